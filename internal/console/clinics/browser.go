// Package clinics implements the clinic/patient browser: clinic listing and
// selection plus listing and creating patients of the selected clinic.
package clinics

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/session"
)

var (
	// ErrNoClinicSelected is returned by patient operations made before a clinic is selected.
	ErrNoClinicSelected = errors.New("clinics: no clinic selected")
	// ErrClinicNotFound is returned when selecting a clinic that is not listed for the user.
	ErrClinicNotFound = errors.New("clinics: clinic not found")
)

// Backend is the data surface the browser needs.
type Backend interface {
	ListClinics(ctx context.Context) ([]backend.Clinic, error)
	ListPatients(ctx context.Context, clinicID string) ([]backend.Patient, error)
	CreatePatientForClinic(ctx context.Context, clinicID string, in backend.NewPatient) (*backend.Patient, error)
}

// Selection stores the selected clinic between page loads.
type Selection interface {
	SelectedClinic() *session.Clinic
	SelectClinic(*session.Clinic)
}

// PatientInput is the add-patient form.
type PatientInput struct {
	Name      string `form:"name" validate:"required,max=200"`
	BirthDate string `form:"birth_date" validate:"omitempty,datetime=2006-01-02"`
}

// ValidationError lists per-field problems with a PatientInput.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return "clinics: invalid patient: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Browser is constructed per page load around the session's backend client.
type Browser struct {
	backend   Backend
	selection Selection
}

// NewBrowser wires a browser.
func NewBrowser(b Backend, sel Selection) *Browser {
	return &Browser{backend: b, selection: sel}
}

// Clinics lists the clinics visible to the user.
func (b *Browser) Clinics(ctx context.Context) ([]backend.Clinic, error) {
	return b.backend.ListClinics(ctx)
}

// Selected returns the selected clinic, or nil.
func (b *Browser) Selected() *session.Clinic {
	if b.selection == nil {
		return nil
	}
	return b.selection.SelectedClinic()
}

// Select makes clinicID the selected clinic. The clinic must be listed for the user.
func (b *Browser) Select(ctx context.Context, clinicID string) (*session.Clinic, error) {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return nil, ErrClinicNotFound
	}
	clinics, err := b.backend.ListClinics(ctx)
	if err != nil {
		return nil, err
	}
	for _, clinic := range clinics {
		if clinic.ID == clinicID {
			selected := &session.Clinic{ID: clinic.ID, Name: clinic.Name}
			b.selection.SelectClinic(selected)
			return selected, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClinicNotFound, clinicID)
}

// Patients lists the patients of the selected clinic.
func (b *Browser) Patients(ctx context.Context) ([]backend.Patient, error) {
	selected := b.Selected()
	if selected == nil {
		return nil, ErrNoClinicSelected
	}
	return b.backend.ListPatients(ctx, selected.ID)
}

// AddPatient validates input and creates the patient in the selected clinic.
func (b *Browser) AddPatient(ctx context.Context, input PatientInput) (*backend.Patient, error) {
	selected := b.Selected()
	if selected == nil {
		return nil, ErrNoClinicSelected
	}
	input.Name = strings.TrimSpace(input.Name)
	input.BirthDate = strings.TrimSpace(input.BirthDate)
	if err := ValidatePatient(input); err != nil {
		return nil, err
	}
	return b.backend.CreatePatientForClinic(ctx, selected.ID, backend.NewPatient{
		Name:      input.Name,
		BirthDate: input.BirthDate,
	})
}

// ValidatePatient checks a PatientInput and reports problems as *ValidationError.
func ValidatePatient(input PatientInput) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("clinics: validate patient: %w", err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() + ":" + fe.Tag() {
	case "name:required":
		return "Indique o nome do paciente."
	case "name:max":
		return fmt.Sprintf("O nome não pode exceder %s caracteres.", fe.Param())
	case "birth_date:datetime":
		return "A data de nascimento deve estar no formato AAAA-MM-DD."
	default:
		return fmt.Sprintf("Valor inválido (%s).", fe.Tag())
	}
}
