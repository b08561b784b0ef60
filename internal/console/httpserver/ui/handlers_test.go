package ui

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/clinics"
	custommw "finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	manager, err := session.NewManager(session.Config{
		HashKey:  []byte("0123456789abcdef0123456789abcdef"),
		BlockKey: []byte("fedcba9876543210fedcba9876543210"),
	})
	require.NoError(t, err)
	return manager.New()
}

// newTestRouter mounts the handlers the way the server does, minus auth and CSRF.
func newTestRouter(h *Handlers, sess *session.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(custommw.HTMX())
	r.Use(custommw.RequestInfoMiddleware("/console", "Development"))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(custommw.ContextWithSession(req.Context(), sess)))
		})
	})
	r.Get("/console", h.ClinicsPage)
	r.Post("/console/clinics/{clinicID}/select", h.SelectClinic)
	r.Post("/console/patients", h.AddPatient)
	return r
}

func postForm(router http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func parse(t *testing.T, rec *httptest.ResponseRecorder) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	require.NoError(t, err)
	return doc
}

func TestSelectClinicStoresSelection(t *testing.T) {
	static := clinics.NewStaticBackend(
		backend.Clinic{ID: "c-1", Name: "Centro"},
		backend.Clinic{ID: "c-2", Name: "Norte"},
	)
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/clinics/c-2/select", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/console", rec.Header().Get("Location"))
	require.NotNil(t, sess.SelectedClinic())
	require.Equal(t, "Norte", sess.SelectedClinic().Name)

	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := parse(t, rec)
	selected := doc.Find(`[data-clinic-list] li[aria-current]`)
	require.Equal(t, 1, selected.Length())
	require.Equal(t, "c-2", selected.AttrOr("data-clinic-id", ""))
	require.Equal(t, "/console/clinics/c-1/select", doc.Find(`li[data-clinic-id="c-1"] form`).AttrOr("action", ""))
	require.Equal(t, 1, doc.Find("[data-patients-empty]").Length())
}

func TestSelectClinicUnknown(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/clinics/missing/select", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Nil(t, sess.SelectedClinic())

	doc := parse(t, rec)
	require.Equal(t, msgClinicNotFound, strings.TrimSpace(doc.Find("[data-alert]").Text()))
}

func TestSelectClinicBackendFailure(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	static.Err = &backend.Error{Status: http.StatusInternalServerError, Message: "permission denied for table clinics"}
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/clinics/c-1/select", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	doc := parse(t, rec)
	require.Equal(t, "permission denied for table clinics", strings.TrimSpace(doc.Find("[data-alert]").Text()))
}

func TestAddPatientFlashesAndRedirects(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	sess.SelectClinic(&session.Clinic{ID: "c-1", Name: "Centro"})
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/patients", url.Values{"name": {"  Rui Costa "}, "birth_date": {"2001-12-24"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	doc := parse(t, rec)

	require.Equal(t, msgPatientAdded+"Rui Costa", strings.TrimSpace(doc.Find("[data-notice]").Text()))
	rows := doc.Find("[data-patients] tbody tr")
	require.Equal(t, 1, rows.Length())
	require.Equal(t, "Rui Costa", strings.TrimSpace(rows.Find("[data-patient-name]").Text()))
	require.Contains(t, rows.Text(), "24/12/2001")
	require.Empty(t, sess.PopFlash())
}

func TestAddPatientHTMXRedirect(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	sess.SelectClinic(&session.Clinic{ID: "c-1", Name: "Centro"})
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	req := httptest.NewRequest(http.MethodPost, "/console/patients", strings.NewReader("name=Ana"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "/console", rec.Header().Get("HX-Redirect"))
}

func TestAddPatientValidation(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	sess.SelectClinic(&session.Clinic{ID: "c-1", Name: "Centro"})
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/patients", url.Values{"name": {""}, "birth_date": {"2001-02-30"}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	doc := parse(t, rec)
	require.Equal(t, "true", doc.Find("#patient-name").AttrOr("aria-invalid", ""))
	require.Equal(t, "2001-02-30", doc.Find("#patient-birth_date").AttrOr("value", ""))
	require.Equal(t, 1, doc.Find(`[data-field-error="birth_date"]`).Length())
	require.Empty(t, sess.PopFlash())
}

func TestAddPatientWithoutSelection(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/patients", url.Values{"name": {"Ana"}})
	require.Equal(t, http.StatusConflict, rec.Code)

	doc := parse(t, rec)
	require.Equal(t, msgSelectClinic, strings.TrimSpace(doc.Find("[data-alert]").Text()))
}

func TestAddPatientBackendMessageIsShownVerbatim(t *testing.T) {
	static := clinics.NewStaticBackend(backend.Clinic{ID: "c-1", Name: "Centro"})
	sess := newTestSession(t)
	// a stale selection the backend no longer grants access to
	sess.SelectClinic(&session.Clinic{ID: "c-gone", Name: "Antiga"})
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	rec := postForm(router, "/console/patients", url.Values{"name": {"Ana"}})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	doc := parse(t, rec)
	require.Equal(t, "clinic c-gone is not accessible", strings.TrimSpace(doc.Find("[data-alert]").Text()))
	require.Equal(t, "Ana", doc.Find("#patient-name").AttrOr("value", ""))
}

func TestClinicsPageWithoutBackendClient(t *testing.T) {
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{}), sess)

	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClinicsPageListFailureKeepsPage(t *testing.T) {
	static := clinics.NewStaticBackend()
	static.Err = errors.New("connection refused")
	sess := newTestSession(t)
	router := newTestRouter(NewHandlers(Dependencies{ClinicsBackend: static}), sess)

	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := parse(t, rec)
	require.Equal(t, "connection refused", strings.TrimSpace(doc.Find("[data-alert]").Text()))
	require.Equal(t, 1, doc.Find("[data-clinics-empty]").Length())
}

func TestJoinPath(t *testing.T) {
	require.Equal(t, "/console/clinics/a%2Fb/select", joinPath("/console", "clinics", "a/b", "select"))
	require.Equal(t, "/patients", joinPath("/", "patients"))
}
