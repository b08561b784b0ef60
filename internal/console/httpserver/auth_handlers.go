package httpserver

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/a-h/templ"
	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/bootstrap"
	custommw "finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/loginguard"
	"finitefield.org/clinic-console/internal/console/observability"
	"finitefield.org/clinic-console/internal/console/templates/auth"
)

const (
	msgFormError      = "Não foi possível ler o formulário. Tente novamente."
	msgLoggedOut      = "Sessão terminada."
	msgSessionExpired = "A sessão expirou. Inicie sessão novamente."
	msgLoginRequired  = "Inicie sessão para continuar."
	msgSessionInvalid = "A sessão é inválida. Inicie sessão novamente."
)

type authHandlers struct {
	basePath  string
	loginPath string
	guard     loginguard.Guard
	metrics   bootstrap.LoginRecorder
	now       func() time.Time
}

func newAuthHandlers(basePath, loginPath string, guard loginguard.Guard, metrics bootstrap.LoginRecorder) *authHandlers {
	if strings.TrimSpace(basePath) == "" {
		basePath = "/"
	}
	if strings.TrimSpace(loginPath) == "" {
		loginPath = resolveLoginPath(basePath, "")
	}
	return &authHandlers{
		basePath:  basePath,
		loginPath: loginPath,
		guard:     guard,
		metrics:   metrics,
		now:       time.Now,
	}
}

// pageView captures what the controller asked the login form to show.
type pageView struct {
	message bootstrap.Message
	busy    bool
}

func (v *pageView) ShowMessage(m bootstrap.Message) {
	v.message = m
}

func (v *pageView) SetBusy(busy bool) {
	v.busy = busy
}

// pageNavigator records the hand-off target instead of navigating.
type pageNavigator struct {
	target string
}

func (n *pageNavigator) Redirect(target string) {
	if n.target == "" {
		n.target = target
	}
}

// LoginForm is the login page load: it runs the session check and either
// redirects to the application page or renders the form.
func (h *authHandlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	next := h.normalizeNext(r.URL.Query().Get("next"))
	ctrl, view, nav, ok := h.controller(w, r, next)
	if !ok {
		return
	}
	defer ctrl.Close()

	ctrl.Init(r.Context())
	if nav.target != "" {
		custommw.Redirect(w, r, nav.target)
		return
	}

	state := loginFormState{
		Email: strings.TrimSpace(r.URL.Query().Get("email")),
		Next:  next,
	}
	if !view.message.Empty() {
		state.Message = view.message
	} else if text := h.messageForQuery(r.URL.Query()); text != "" {
		state.Message = bootstrap.Message{Kind: bootstrap.MessageKindInfo, Text: text}
	}
	h.renderLogin(w, r, state, http.StatusOK)
}

// LoginSubmit runs one sign-in attempt for the submitted credentials.
func (h *authHandlers) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, r, loginFormState{
			Message: bootstrap.Message{Kind: bootstrap.MessageKindError, Text: msgFormError},
		}, http.StatusBadRequest)
		return
	}

	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	next := h.normalizeNext(r.PostFormValue("next"))

	ctrl, view, nav, ok := h.controller(w, r, next)
	if !ok {
		return
	}
	defer ctrl.Close()

	ctrl.Init(r.Context())
	outcome := ctrl.Login(r.Context(), email, password)

	if nav.target != "" {
		if sess, ok := custommw.SessionFromContext(r.Context()); ok && outcome == bootstrap.OutcomeSucceeded {
			sess.Rotate(h.now())
		}
		custommw.Redirect(w, r, nav.target)
		return
	}

	state := loginFormState{
		Email:   strings.ToLower(strings.TrimSpace(email)),
		Next:    next,
		Message: view.message,
		Busy:    view.busy,
	}
	if outcome == bootstrap.OutcomeInFlight {
		// The other attempt owns the busy state; this form stays usable for a retry.
		state.Busy = false
		state.Message = bootstrap.Message{Kind: bootstrap.MessageKindInfo, Text: bootstrap.MessageInProgress}
	}
	h.renderLogin(w, r, state, statusForOutcome(outcome))
}

// Logout signs out of the backend and drops the console session.
func (h *authHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())
	if client, ok := custommw.BackendClientFromContext(r.Context()); ok {
		if err := client.SignOut(r.Context()); err != nil {
			logger.Warn("backend sign-out failed", zap.Error(err))
		}
	}
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		sess.Destroy()
	}
	custommw.Redirect(w, r, h.loginURLWithParams(map[string]string{"status": "logged_out"}))
}

func (h *authHandlers) controller(w http.ResponseWriter, r *http.Request, next string) (*bootstrap.Controller, *pageView, *pageNavigator, bool) {
	logger := observability.FromContext(r.Context())
	client, ok := custommw.BackendClientFromContext(r.Context())
	if !ok {
		logger.Error("login: backend client missing from request context")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return nil, nil, nil, false
	}

	guardKey := ""
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		guardKey = sess.ID()
	}

	view := &pageView{}
	nav := &pageNavigator{}
	ctrl, err := bootstrap.New(bootstrap.Config{
		Client:    client,
		View:      view,
		Navigator: nav,
		AppPath:   h.redirectTarget(next),
		Guard:     h.guard,
		GuardKey:  guardKey,
		Metrics:   h.metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("login: controller init failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, nil, nil, false
	}
	return ctrl, view, nav, true
}

type loginFormState struct {
	Email   string
	Next    string
	Message bootstrap.Message
	Busy    bool
}

// renderLogin writes the full page, or only the form for htmx swaps. htmx
// skips swapping error statuses, so fragments always go out as 200.
func (h *authHandlers) renderLogin(w http.ResponseWriter, r *http.Request, state loginFormState, status int) {
	data := auth.LoginPageData{
		Email:       state.Email,
		MessageKind: string(state.Message.Kind),
		Message:     state.Message.Text,
		Busy:        state.Busy,
		ButtonLabel: bootstrap.ButtonLabel(state.Busy),
		Next:        state.Next,
		LoginPath:   h.loginPath,
		BasePath:    h.basePath,
	}
	if custommw.IsHTMXRequest(r.Context()) {
		templ.Handler(auth.LoginForm(data)).ServeHTTP(w, r)
		return
	}
	templ.Handler(auth.LoginPage(data), templ.WithStatus(status)).ServeHTTP(w, r)
}

func statusForOutcome(outcome bootstrap.Outcome) int {
	switch outcome {
	case bootstrap.OutcomeValidation:
		return http.StatusBadRequest
	case bootstrap.OutcomeInvalidCredentials:
		return http.StatusUnauthorized
	case bootstrap.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case bootstrap.OutcomeInFlight:
		return http.StatusConflict
	case bootstrap.OutcomeConnectivity, bootstrap.OutcomeFailed:
		return http.StatusBadGateway
	case bootstrap.OutcomeUnexpected:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func (h *authHandlers) messageForQuery(q url.Values) string {
	if q == nil {
		return ""
	}
	if q.Get("status") == "logged_out" {
		return msgLoggedOut
	}
	switch q.Get("reason") {
	case custommw.ReasonTokenExpired:
		return msgSessionExpired
	case custommw.ReasonMissingToken:
		return msgLoginRequired
	case custommw.ReasonTokenInvalid:
		return msgSessionInvalid
	default:
		return ""
	}
}

func (h *authHandlers) redirectTarget(raw string) string {
	if next := h.normalizeNext(raw); next != "" {
		return next
	}
	return h.basePath
}

func (h *authHandlers) loginURLWithParams(params map[string]string) string {
	parsed, err := url.Parse(h.loginPath)
	if err != nil {
		return h.loginPath
	}
	q := parsed.Query()
	for key, val := range params {
		if strings.TrimSpace(val) != "" {
			q.Set(key, val)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// normalizeNext accepts only same-origin paths under the base path, and never the login page itself.
func (h *authHandlers) normalizeNext(raw string) string {
	sanitized := sanitizeNextTarget(h.basePath, raw)
	if sanitized == "" {
		return ""
	}
	if u, err := url.Parse(sanitized); err == nil && samePath(u.Path, h.loginPath) {
		return ""
	}
	return sanitized
}

func sanitizeNextTarget(basePath, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return ""
	}

	unescaped, err := url.PathUnescape(parsed.Path)
	if err != nil || strings.Contains(unescaped, "\\") {
		return ""
	}
	if unescaped == "" {
		unescaped = "/"
	}
	cleaned := path.Clean("/" + strings.TrimLeft(unescaped, "/"))
	if strings.HasPrefix(unescaped, "//") {
		return ""
	}

	base := custommw.NormalizeBasePath(basePath)
	if base != "/" && cleaned != base && !strings.HasPrefix(cleaned, base+"/") {
		return ""
	}

	target := cleaned
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return target
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return custommw.NormalizeBasePath(a) == custommw.NormalizeBasePath(b)
}
