package clinics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/a-h/templ"
	"github.com/stretchr/testify/require"

	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
)

const hostile = `<img src=x onerror="alert(1)">`

func TestIndexEscapesHostileNames(t *testing.T) {
	t.Parallel()

	data := PageData{
		Clinics: []ClinicItem{
			{ID: "c-1", Name: hostile, Selected: true, SelectPath: "/console/clinics/c-1/select"},
			{ID: "c-2", Name: "Clínica Norte", SelectPath: "/console/clinics/c-2/select"},
		},
		Selected: &ClinicItem{ID: "c-1", Name: hostile},
		Patients: []PatientRow{
			{ID: "p-1", Name: `<script>alert("x")</script>`, BirthDate: "1990-04-12", CreatedAt: time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)},
		},
		Alert: `<b>permission denied</b>`,
		Form:  PatientForm{Action: "/console/patients"},
	}

	doc := render(t, renderContext(t), Index(data))

	require.Equal(t, 0, doc.Find("main img").Length(), "clinic name must not become markup")
	require.Equal(t, 0, doc.Find("main script").Length(), "patient name must not become markup")
	require.Equal(t, 0, doc.Find("[data-alert] b").Length(), "backend error must render as text")

	require.Equal(t, hostile, doc.Find("[data-clinic-id='c-1'] [data-clinic-select]").Text())
	require.Equal(t, `<script>alert("x")</script>`, doc.Find("[data-patient-name]").Text())
	require.Equal(t, "<b>permission denied</b>", strings.TrimSpace(doc.Find("[data-alert]").Text()))
	require.Equal(t, "Pacientes de "+hostile, doc.Find("[data-selected-clinic]").Text())
	require.Equal(t, "true", doc.Find("[data-clinic-id='c-1']").AttrOr("aria-current", ""))
}

func TestIndexWithoutSelection(t *testing.T) {
	t.Parallel()

	doc := render(t, renderContext(t), Index(PageData{
		Clinics: []ClinicItem{{ID: "c-1", Name: "Central", SelectPath: "/console/clinics/c-1/select"}},
	}))

	require.Equal(t, 1, doc.Find("[data-no-selection]").Length())
	require.Equal(t, 0, doc.Find("[data-patient-form]").Length(), "add form needs a selected clinic")
	require.Equal(t, "/console/clinics/c-1/select", doc.Find("[data-clinic-id='c-1'] form").AttrOr("action", ""))
	require.Equal(t, 1, doc.Find("[data-clinic-id='c-1'] input[name='_csrf']").Length(), "select form should include CSRF field")
	require.Equal(t, "Clínicas | Clinic Console", doc.Find("title").Text())
}

func TestPatientsPanelShowsFieldErrors(t *testing.T) {
	t.Parallel()

	doc := render(t, renderContext(t), PatientsPanel(PageData{
		Selected: &ClinicItem{ID: "c-1", Name: "Central"},
		Form: PatientForm{
			Action:    "/console/patients",
			BirthDate: "12-04-1990",
			Errors:    map[string]string{"name": "Indique o nome do paciente."},
		},
	}))

	require.Equal(t, 1, doc.Find("[data-patients-empty]").Length())
	require.Equal(t, "Indique o nome do paciente.", doc.Find("[data-field-error='name']").Text())
	require.Equal(t, "true", doc.Find("#patient-name").AttrOr("aria-invalid", ""))
	require.Equal(t, "12-04-1990", doc.Find("#patient-birth_date").AttrOr("value", ""))
	require.Equal(t, 0, doc.Find("[data-field-error='birth_date']").Length())
}

func renderContext(t *testing.T) context.Context {
	t.Helper()

	var ctx context.Context
	handler := middleware.RequestInfoMiddleware("/console", "Staging")(
		middleware.CSRF(middleware.CSRFConfig{})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			ctx = middleware.ContextWithUser(r.Context(), &middleware.User{UID: "user-1", Email: "ana@example.com"})
		})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/console", nil))

	require.NotNil(t, ctx, "middleware stack must provide context")
	return ctx
}

func render(t *testing.T, ctx context.Context, c templ.Component) *goquery.Document {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, c.Render(ctx, &buf), "component must render without error")

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err, "html must parse")
	return doc
}
