package ui

import (
	"errors"
	"net/http"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/clinics"
	custommw "finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/observability"
	clinicstpl "finitefield.org/clinic-console/internal/console/templates/clinics"
)

const (
	msgClinicNotFound    = "Clínica não encontrada."
	msgSelectClinic      = "Selecione uma clínica primeiro."
	msgPatientAdded      = "Paciente adicionado: "
	msgBackendMissing    = "Serviço indisponível."
	msgInvalidSubmission = "Não foi possível ler o formulário."
)

// Dependencies collects external services required by the UI handlers.
type Dependencies struct {
	// ClinicsBackend overrides the per-request backend client. Used for demos and tests.
	ClinicsBackend clinics.Backend
}

// Handlers exposes HTTP handlers for the clinic/patient pages.
type Handlers struct {
	static clinics.Backend
}

// NewHandlers wires the UI handler set.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{static: deps.ClinicsBackend}
}

// ClinicsPage renders the clinic list and the patients of the selected clinic.
func (h *Handlers) ClinicsPage(w http.ResponseWriter, r *http.Request) {
	browser, ok := h.browser(w, r)
	if !ok {
		return
	}
	state := pageState{}
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		state.notice = sess.PopFlash()
	}
	h.render(w, r, browser, state, http.StatusOK)
}

// SelectClinic stores the chosen clinic in the session and returns to the page.
func (h *Handlers) SelectClinic(w http.ResponseWriter, r *http.Request) {
	browser, ok := h.browser(w, r)
	if !ok {
		return
	}
	clinicID := chi.URLParam(r, "clinicID")
	if _, err := browser.Select(r.Context(), clinicID); err != nil {
		status := http.StatusBadGateway
		alert := backend.Message(err)
		if errors.Is(err, clinics.ErrClinicNotFound) {
			status = http.StatusNotFound
			alert = msgClinicNotFound
		} else {
			observability.FromContext(r.Context()).Warn("select clinic failed", zap.String("clinicID", clinicID), zap.Error(err))
		}
		h.render(w, r, browser, pageState{alert: alert}, status)
		return
	}
	custommw.Redirect(w, r, custommw.BasePathFromContext(r.Context()))
}

// AddPatient creates a patient in the selected clinic.
func (h *Handlers) AddPatient(w http.ResponseWriter, r *http.Request) {
	browser, ok := h.browser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render(w, r, browser, pageState{alert: msgInvalidSubmission}, http.StatusBadRequest)
		return
	}
	input := clinics.PatientInput{
		Name:      r.PostFormValue("name"),
		BirthDate: r.PostFormValue("birth_date"),
	}

	patient, err := browser.AddPatient(r.Context(), input)
	if err != nil {
		state := pageState{input: input}
		var verr *clinics.ValidationError
		switch {
		case errors.Is(err, clinics.ErrNoClinicSelected):
			h.render(w, r, browser, pageState{alert: msgSelectClinic}, http.StatusConflict)
		case errors.As(err, &verr):
			state.fieldErrors = verr.Fields
			h.render(w, r, browser, state, http.StatusUnprocessableEntity)
		default:
			observability.FromContext(r.Context()).Warn("create patient failed", zap.Error(err))
			state.alert = backend.Message(err)
			h.render(w, r, browser, state, http.StatusBadGateway)
		}
		return
	}

	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		sess.SetFlash(msgPatientAdded + patient.Name)
	}
	custommw.Redirect(w, r, custommw.BasePathFromContext(r.Context()))
}

type pageState struct {
	alert       string
	notice      string
	input       clinics.PatientInput
	fieldErrors map[string]string
}

func (h *Handlers) browser(w http.ResponseWriter, r *http.Request) (*clinics.Browser, bool) {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	var data clinics.Backend = h.static
	if data == nil {
		client, ok := custommw.BackendClientFromContext(r.Context())
		if !ok {
			observability.FromContext(r.Context()).Error("backend client missing from request context")
			http.Error(w, msgBackendMissing, http.StatusServiceUnavailable)
			return nil, false
		}
		data = client
	}
	return clinics.NewBrowser(data, sess), true
}

// render reloads the lists and writes the page. The first error wins the alert slot.
func (h *Handlers) render(w http.ResponseWriter, r *http.Request, browser *clinics.Browser, state pageState, status int) {
	ctx := r.Context()
	base := custommw.BasePathFromContext(ctx)
	data := clinicstpl.PageData{
		Alert:  state.alert,
		Notice: state.notice,
		Form: clinicstpl.PatientForm{
			Action:    joinPath(base, "patients"),
			Name:      state.input.Name,
			BirthDate: state.input.BirthDate,
			Errors:    state.fieldErrors,
		},
	}

	selected := browser.Selected()
	if selected != nil {
		data.Selected = &clinicstpl.ClinicItem{ID: selected.ID, Name: selected.Name, Selected: true}
	}

	list, err := browser.Clinics(ctx)
	if err != nil {
		observability.FromContext(ctx).Warn("list clinics failed", zap.Error(err))
		if data.Alert == "" {
			data.Alert = backend.Message(err)
		}
	}
	for _, clinic := range list {
		data.Clinics = append(data.Clinics, clinicstpl.ClinicItem{
			ID:         clinic.ID,
			Name:       clinic.Name,
			Selected:   selected != nil && selected.ID == clinic.ID,
			SelectPath: joinPath(base, "clinics", clinic.ID, "select"),
		})
	}

	if selected != nil {
		patients, err := browser.Patients(ctx)
		if err != nil {
			observability.FromContext(ctx).Warn("list patients failed", zap.String("clinicID", selected.ID), zap.Error(err))
			if data.Alert == "" {
				data.Alert = backend.Message(err)
			}
		}
		for _, p := range patients {
			data.Patients = append(data.Patients, clinicstpl.PatientRow{
				ID:        p.ID,
				Name:      p.Name,
				BirthDate: p.BirthDate,
				CreatedAt: p.CreatedAt,
			})
		}
	}

	templ.Handler(clinicstpl.Index(data), templ.WithStatus(status)).ServeHTTP(w, r)
}
