package httpserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/bootstrap"
	"finitefield.org/clinic-console/internal/console/clinics"
	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/observability"
	consoletest "finitefield.org/clinic-console/internal/console/testutil"
)

func TestClinicsRedirectsWithoutSession(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	ts := consoletest.NewServer(t, fb.URL)

	resp, err := noRedirectClient(nil).Get(ts.URL + "/console")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/console/login", resp.Header.Get("Location"))
}

func TestLoginPageRenders(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	ts := consoletest.NewServer(t, fb.URL)

	resp, err := http.Get(ts.URL + "/console/login?reason=token_expired")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store, max-age=0", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	doc := consoletest.ParseHTML(t, body)

	require.Equal(t, "Iniciar sessão | Clinic Console", doc.Find("title").First().Text())
	require.Equal(t, 1, doc.Find("form[data-login-form]").Length())
	require.Equal(t, bootstrap.ButtonLabelIdle, consoletest.Text(doc, "[data-login-submit]"))
	require.Contains(t, doc.Find("[data-login-message]").Text(), "A sessão expirou")
	require.Equal(t, "TES", consoletest.Text(doc, "[data-environment-badge]"))
	require.Equal(t, 0, fb.SignInCount())
}

func TestLoginAndPatientFlow(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	fb.AddClinic("c-2", "Clínica Norte")
	fb.AddClinic("c-1", "Clínica Centro")

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ts := consoletest.NewServer(t, fb.URL, consoletest.WithMetrics(metrics))
	client := noRedirectClient(newJar(t))

	token := loadCSRFToken(t, client, ts.URL+"/console/login")

	// wrong password stays on the form
	resp := postForm(t, client, ts.URL+"/console/login", url.Values{
		"_csrf":    {token},
		"email":    {"ana@example.com"},
		"password": {"nope"},
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, bootstrap.MessageInvalidCredentials, consoletest.Text(doc, "[data-login-message]"))
	require.Equal(t, "ana@example.com", doc.Find("#email").AttrOr("value", ""))
	_, busy := doc.Find("[data-login-form]").Attr("aria-busy")
	require.False(t, busy)

	resp = postForm(t, client, ts.URL+"/console/login", url.Values{
		"_csrf":    {token},
		"email":    {"  ANA@example.com "},
		"password": {"s3cret"},
	})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/console", resp.Header.Get("Location"))
	require.Equal(t, 2, fb.SignInCount())
	require.Equal(t, 1.0, counterValue(t, reg, "clinic_console_auth_login_attempts_total", "outcome", string(bootstrap.OutcomeSucceeded)))
	require.Equal(t, 1.0, counterValue(t, reg, "clinic_console_auth_login_attempts_total", "outcome", string(bootstrap.OutcomeInvalidCredentials)))
	require.Equal(t, 2.0, counterValue(t, reg, "clinic_console_backend_requests_total", "operation", "sign_in"))

	// the clinic list is sorted by name and nothing is selected yet
	resp, err := client.Get(ts.URL + "/console")
	require.NoError(t, err)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc = consoletest.ParseHTML(t, body)
	names := doc.Find("[data-clinic-list] li").Map(func(_ int, s *goquery.Selection) string {
		return strings.TrimSpace(s.Find("[data-clinic-select]").Text())
	})
	require.Equal(t, []string{"Clínica Centro", "Clínica Norte"}, names)
	require.Equal(t, 1, doc.Find("[data-no-selection]").Length())
	require.Equal(t, 1, doc.Find("[data-user-menu]").Length())

	// signing in rotates the session, and the CSRF token with it
	rotated := consoletest.CSRFToken(t, doc)
	require.NotEqual(t, token, rotated)
	resp = postForm(t, client, ts.URL+"/console/clinics/c-2/select", url.Values{"_csrf": {token}})
	readBody(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	token = rotated

	// returning to the login page hands straight back to the application
	resp, err = client.Get(ts.URL + "/console/login")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/console", resp.Header.Get("Location"))
	require.Equal(t, 2, fb.SignInCount())

	resp = postForm(t, client, ts.URL+"/console/clinics/c-2/select", url.Values{"_csrf": {token}})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	hostile := `<script>alert("x")</script>`
	resp = postForm(t, client, ts.URL+"/console/patients", url.Values{
		"_csrf":      {token},
		"name":       {hostile},
		"birth_date": {"1990-05-01"},
	})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	stored := fb.Patients("c-2")
	require.Len(t, stored, 1)
	require.Equal(t, hostile, stored[0].Name)
	require.Equal(t, "1990-05-01", stored[0].BirthDate)

	resp, err = client.Get(ts.URL + "/console")
	require.NoError(t, err)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, string(body), hostile)
	doc = consoletest.ParseHTML(t, body)
	require.Equal(t, "Pacientes de Clínica Norte", consoletest.Text(doc, "[data-selected-clinic]"))
	require.Equal(t, hostile, strings.TrimSpace(doc.Find("[data-patient-name]").First().Text()))
	require.Equal(t, "Paciente adicionado: "+hostile, consoletest.Text(doc, "[data-notice]"))
	require.Equal(t, 0, doc.Find("script:not([src])").Length())

	// the flash is shown once
	resp, err = client.Get(ts.URL + "/console")
	require.NoError(t, err)
	doc = consoletest.ParseHTML(t, readBody(t, resp))
	require.Empty(t, consoletest.Text(doc, "[data-notice]"))

	resp = postForm(t, client, ts.URL+"/console/patients", url.Values{
		"_csrf":      {token},
		"name":       {"   "},
		"birth_date": {"01/05/1990"},
	})
	body = readBody(t, resp)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	doc = consoletest.ParseHTML(t, body)
	require.Equal(t, "Indique o nome do paciente.", consoletest.Text(doc, `[data-field-error="name"]`))
	require.Equal(t, 1, doc.Find(`[data-field-error="birth_date"]`).Length())
	require.Len(t, fb.Patients("c-2"), 1)
}

func TestSelectUnknownClinicReturnsNotFound(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	fb.AddClinic("c-1", "Clínica Centro")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := signIn(t, client, ts.URL, "ana@example.com", "s3cret")

	resp := postForm(t, client, ts.URL+"/console/clinics/c-9/select", url.Values{"_csrf": {token}})
	body := readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, "Clínica não encontrada.", consoletest.Text(doc, "[data-alert]"))
}

func TestAddPatientRequiresSelection(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := signIn(t, client, ts.URL, "ana@example.com", "s3cret")

	resp := postForm(t, client, ts.URL+"/console/patients", url.Values{"_csrf": {token}, "name": {"Rui"}})
	readBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginRejectsMissingCSRFToken(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	loadCSRFToken(t, client, ts.URL+"/console/login")
	resp := postForm(t, client, ts.URL+"/console/login", url.Values{
		"email":    {"ana@example.com"},
		"password": {"s3cret"},
	})
	readBody(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, 0, fb.SignInCount())
}

func TestLoginValidationSkipsBackend(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := loadCSRFToken(t, client, ts.URL+"/console/login")
	resp := postForm(t, client, ts.URL+"/console/login", url.Values{
		"_csrf":    {token},
		"email":    {"   "},
		"password": {"s3cret"},
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, bootstrap.MessageValidation, consoletest.Text(doc, "[data-login-message]"))
	require.Equal(t, 0, fb.SignInCount())
}

func TestHTMXLoginRedirectsWithHeader(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := loadCSRFToken(t, client, ts.URL+"/console/login")

	form := url.Values{"email": {"ana@example.com"}, "password": {"wrong"}}
	resp := htmxPost(t, client, ts.URL+"/console/login", token, form)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, 0, doc.Find("html head title").Length())
	require.Equal(t, bootstrap.MessageInvalidCredentials, consoletest.Text(doc, "[data-login-message]"))

	form.Set("password", "s3cret")
	resp = htmxPost(t, client, ts.URL+"/console/login", token, form)
	readBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "/console", resp.Header.Get("HX-Redirect"))
}

func TestLoginHonoursNextTarget(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := loadCSRFToken(t, client, ts.URL+"/console/login")
	resp := postForm(t, client, ts.URL+"/console/login", url.Values{
		"_csrf":    {token},
		"email":    {"ana@example.com"},
		"password": {"s3cret"},
		"next":     {"https://evil.example.com/console"},
	})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/console", resp.Header.Get("Location"))
}

func TestLogoutEndsSession(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	ts := consoletest.NewServer(t, fb.URL)
	client := noRedirectClient(newJar(t))

	token := signIn(t, client, ts.URL, "ana@example.com", "s3cret")

	resp := postForm(t, client, ts.URL+"/console/logout", url.Values{"_csrf": {token}})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.Equal(t, "/console/login?status=logged_out", location)

	resp, err := client.Get(ts.URL + location)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, "Sessão terminada.", consoletest.Text(doc, "[data-login-message]"))

	resp, err = client.Get(ts.URL + "/console")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestStaticClinicsBackend(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	static := clinics.NewStaticBackend(backend.Clinic{ID: "demo", Name: "Clínica Demo"})
	ts := consoletest.NewServer(t, fb.URL,
		consoletest.WithClinicsBackend(static),
		consoletest.WithAuthenticator(&tokenAuthenticator{Token: "test-token"}),
	)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/console", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc := consoletest.ParseHTML(t, body)
	require.Equal(t, "Clínicas | Clinic Console", doc.Find("title").First().Text())
	require.Equal(t, "demo", doc.Find("[data-clinic-list] li").AttrOr("data-clinic-id", ""))
}

func TestCustomBasePath(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	ts := consoletest.NewServer(t, fb.URL, consoletest.WithBasePath("/clinic/"))

	resp, err := noRedirectClient(nil).Get(ts.URL + "/clinic")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/clinic/login", resp.Header.Get("Location"))

	resp, err = http.Get(ts.URL + "/clinic/login")
	require.NoError(t, err)
	doc := consoletest.ParseHTML(t, readBody(t, resp))
	require.Equal(t, "/clinic/login", doc.Find("[data-login-form]").AttrOr("action", ""))
}

func TestLoginInFlightElsewhereKeepsFormUsable(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	fb.AddUser("ana@example.com", "s3cret")
	guard := &heldGuard{}
	guard.held.Store(true)
	ts := consoletest.NewServer(t, fb.URL, consoletest.WithLoginGuard(guard))
	client := noRedirectClient(newJar(t))

	token := loadCSRFToken(t, client, ts.URL+"/console/login")
	form := url.Values{
		"_csrf":    {token},
		"email":    {"ana@example.com"},
		"password": {"s3cret"},
	}
	resp := postForm(t, client, ts.URL+"/console/login", form)
	body := readBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, 0, fb.SignInCount())

	doc := consoletest.ParseHTML(t, body)
	_, busy := doc.Find("[data-login-form]").Attr("aria-busy")
	require.False(t, busy)
	require.Equal(t, bootstrap.ButtonLabelIdle, consoletest.Text(doc, "[data-login-submit]"))
	_, disabled := doc.Find("[data-login-submit]").Attr("disabled")
	require.False(t, disabled)
	require.Equal(t, bootstrap.MessageInProgress, consoletest.Text(doc, "[data-login-message]"))
	require.Equal(t, "ana@example.com", doc.Find("#email").AttrOr("value", ""))

	// once the other attempt finishes the same form signs in
	guard.held.Store(false)
	resp = postForm(t, client, ts.URL+"/console/login", form)
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, 1, fb.SignInCount())
}

// heldGuard reports the login slot as taken by another request while held is set.
type heldGuard struct {
	held atomic.Bool
}

func (g *heldGuard) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, !g.held.Load(), nil
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	fb := consoletest.NewFakeBackend(t)
	ts := consoletest.NewServer(t, fb.URL)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(readBody(t, resp)))
}

type tokenAuthenticator struct {
	Token string
}

func (t *tokenAuthenticator) Authenticate(_ *http.Request, token string) (*middleware.User, error) {
	if token != t.Token {
		return nil, middleware.ErrUnauthorized
	}
	return &middleware.User{
		UID:   "tester",
		Email: "tester@example.com",
		Token: token,
	}, nil
}

// counterValue sums the counter samples of family name whose label matches value.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if hasLabel(metric, label, value) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name && pair.GetValue() == value {
			return true
		}
	}
	return false
}

func signIn(t *testing.T, client *http.Client, baseURL, email, password string) string {
	t.Helper()

	token := loadCSRFToken(t, client, baseURL+"/console/login")
	resp := postForm(t, client, baseURL+"/console/login", url.Values{
		"_csrf":    {token},
		"email":    {email},
		"password": {password},
	})
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	return loadCSRFToken(t, client, baseURL+"/console")
}

func loadCSRFToken(t *testing.T, client *http.Client, pageURL string) string {
	t.Helper()

	resp, err := client.Get(pageURL)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return consoletest.CSRFToken(t, consoletest.ParseHTML(t, body))
}

func postForm(t *testing.T, client *http.Client, target string, form url.Values) *http.Response {
	t.Helper()

	resp, err := client.PostForm(target, form)
	require.NoError(t, err)
	return resp
}

func htmxPost(t *testing.T, client *http.Client, target, token string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HX-Request", "true")
	req.Header.Set("X-CSRF-Token", token)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func newJar(t *testing.T) http.CookieJar {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return jar
}

func noRedirectClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
