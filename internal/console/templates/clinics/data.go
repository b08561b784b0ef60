package clinics

import "time"

// PageData is the view model for the clinic/patient screen.
type PageData struct {
	Clinics  []ClinicItem
	Selected *ClinicItem
	Patients []PatientRow
	Form     PatientForm
	// Alert carries backend errors verbatim.
	Alert string
	// Notice is a one-shot success message.
	Notice string
}

// ClinicItem is one entry of the clinic list.
type ClinicItem struct {
	ID         string
	Name       string
	Selected   bool
	SelectPath string
}

// PatientRow is one row of the patient table.
type PatientRow struct {
	ID        string
	Name      string
	BirthDate string
	CreatedAt time.Time
}

// PatientForm holds the add-patient form state.
type PatientForm struct {
	Action    string
	Name      string
	BirthDate string
	Errors    map[string]string
}

// FieldError returns the message for a form field, if any.
func (f PatientForm) FieldError(field string) string {
	if f.Errors == nil {
		return ""
	}
	return f.Errors[field]
}
