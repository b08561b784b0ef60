// Package bootstrap drives the login page: it checks for an existing session on
// page load, runs credential sign-in attempts and hands off to the application
// page once the user is signed in.
package bootstrap

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/loginguard"
)

// Messages shown on the login page.
const (
	MessageValidation         = "Preencha o email e a password."
	MessageInProgress         = "A entrar..."
	MessageSuccess            = "Sessão iniciada. A redirecionar..."
	MessageSessionCheckPrefix = "Erro ao verificar sessão: "
	MessageInvalidCredentials = "Credenciais inválidas (email ou password incorretos)."
	MessageRateLimited        = "Demasiadas tentativas. Aguarde alguns minutos e tente novamente."
	MessageConnectivity       = "Erro de ligação. Verifique a sua ligação à internet e tente novamente."
	MessageGenericPrefix      = "Erro ao iniciar sessão: "
	MessageUnexpected         = "Ocorreu um erro inesperado. Tente novamente."

	ButtonLabelIdle = "Entrar"
	ButtonLabelBusy = "A entrar..."
)

// ButtonLabel returns the submit button label for the given busy state.
func ButtonLabel(busy bool) string {
	if busy {
		return ButtonLabelBusy
	}
	return ButtonLabelIdle
}

// MessageKind styles a status message.
type MessageKind string

const (
	MessageKindInfo    MessageKind = "info"
	MessageKindSuccess MessageKind = "success"
	MessageKindError   MessageKind = "error"
)

// Message is the status line under the login form. The zero value clears it.
type Message struct {
	Kind MessageKind
	Text string
}

// Empty reports whether the message clears the status line.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == ""
}

// State is the controller's position in the bootstrap flow.
type State string

const (
	StateIdle             State = "idle"
	StateCheckingSession  State = "checking_session"
	StateIdleWithListener State = "idle_with_listener"
	StateSubmitting       State = "submitting"
	StateRedirecting      State = "redirecting"
)

// Outcome summarises what a Login call did.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "success"
	OutcomeValidation         Outcome = "validation"
	OutcomeInFlight           Outcome = "in_flight"
	OutcomeInvalidCredentials Outcome = Outcome(CategoryInvalidCredentials)
	OutcomeRateLimited        Outcome = Outcome(CategoryRateLimited)
	OutcomeConnectivity       Outcome = Outcome(CategoryConnectivity)
	OutcomeFailed             Outcome = Outcome(CategoryGeneric)
	OutcomeUnexpected         Outcome = "unexpected"
	OutcomeRedirected         Outcome = "redirected"
)

// AuthClient is the subset of the backend client used by the controller.
type AuthClient interface {
	GetSession(ctx context.Context) (*backend.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error)
	OnAuthStateChange(fn backend.AuthListener) backend.Subscription
}

// View renders the login form state.
type View interface {
	ShowMessage(Message)
	SetBusy(busy bool)
}

// Navigator performs the hand-off to another page.
type Navigator interface {
	Redirect(target string)
}

// LoginRecorder receives login outcomes for metrics.
type LoginRecorder interface {
	ObserveLogin(outcome string)
}

// Config wires a Controller.
type Config struct {
	Client    AuthClient
	View      View
	Navigator Navigator
	// AppPath is where the user lands once signed in.
	AppPath string

	// Guard and GuardKey extend the in-flight check across requests that share a key.
	Guard    loginguard.Guard
	GuardKey string

	Metrics LoginRecorder
	Logger  *zap.Logger
}

// Controller is constructed once per page load.
type Controller struct {
	client    AuthClient
	view      View
	navigator Navigator
	appPath   string
	guard     loginguard.Guard
	guardKey  string
	metrics   LoginRecorder
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	busy        bool
	initialized bool
	redirected  bool
	sub         backend.Subscription
}

// New validates cfg and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Client == nil {
		return nil, errors.New("bootstrap: auth client is required")
	}
	if cfg.View == nil {
		return nil, errors.New("bootstrap: view is required")
	}
	if cfg.Navigator == nil {
		return nil, errors.New("bootstrap: navigator is required")
	}
	appPath := strings.TrimSpace(cfg.AppPath)
	if appPath == "" {
		return nil, errors.New("bootstrap: application path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		client:    cfg.Client,
		view:      cfg.View,
		navigator: cfg.Navigator,
		appPath:   appPath,
		guard:     cfg.Guard,
		guardKey:  strings.TrimSpace(cfg.GuardKey),
		metrics:   cfg.Metrics,
		logger:    logger,
		state:     StateIdle,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a login attempt is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Init checks for an existing session. It runs at most once per controller.
func (c *Controller) Init(ctx context.Context) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bootstrap: init panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.settle()
			c.view.ShowMessage(Message{Kind: MessageKindError, Text: MessageUnexpected})
		}
	}()

	c.view.ShowMessage(Message{})
	c.setState(StateCheckingSession)

	sess, err := c.client.GetSession(ctx)
	if err != nil {
		c.logger.Warn("bootstrap: session check failed", zap.Error(err))
		c.setState(StateIdle)
		c.view.ShowMessage(Message{Kind: MessageKindError, Text: MessageSessionCheckPrefix + backend.Message(err)})
		return
	}
	if sess.Valid() {
		c.redirect()
		return
	}

	sub := c.client.OnAuthStateChange(func(event backend.AuthEvent, _ *backend.Session) {
		if event == backend.EventSignedIn {
			c.redirect()
		}
	})

	c.mu.Lock()
	c.sub = sub
	if c.state == StateCheckingSession {
		c.state = StateIdleWithListener
	}
	c.mu.Unlock()
}

// Login runs one sign-in attempt. A call made while another attempt is in
// flight returns OutcomeInFlight without touching the view or the backend.
func (c *Controller) Login(ctx context.Context, email, password string) (outcome Outcome) {
	email = strings.ToLower(strings.TrimSpace(email))

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return c.record(OutcomeInFlight)
	}
	if c.state == StateRedirecting {
		c.mu.Unlock()
		return OutcomeRedirected
	}
	if email == "" || strings.TrimSpace(password) == "" {
		c.mu.Unlock()
		c.view.ShowMessage(Message{Kind: MessageKindError, Text: MessageValidation})
		return c.record(OutcomeValidation)
	}
	c.busy = true
	previous := c.state
	c.state = StateSubmitting
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bootstrap: login panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.clearBusy()
			c.view.ShowMessage(Message{Kind: MessageKindError, Text: MessageUnexpected})
			outcome = c.record(OutcomeUnexpected)
		}
	}()

	release, acquired := c.acquire(ctx)
	if !acquired {
		c.mu.Lock()
		c.busy = false
		c.state = previous
		c.mu.Unlock()
		return c.record(OutcomeInFlight)
	}
	defer release()

	c.view.SetBusy(true)
	c.view.ShowMessage(Message{Kind: MessageKindInfo, Text: MessageInProgress})

	if _, err := c.client.SignInWithPassword(ctx, email, password); err != nil {
		category := Classify(err)
		c.logger.Info("bootstrap: sign-in rejected", zap.String("category", string(category)), zap.Int("status", backend.StatusCode(err)), zap.Error(err))
		c.view.ShowMessage(Message{Kind: MessageKindError, Text: MapAuthError(err)})
		c.clearBusy()
		return c.record(Outcome(category))
	}

	c.view.ShowMessage(Message{Kind: MessageKindSuccess, Text: MessageSuccess})
	c.clearBusy()
	c.redirect()
	return c.record(OutcomeSucceeded)
}

// Close cancels the auth state subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Controller) acquire(ctx context.Context) (func(), bool) {
	if c.guard == nil || c.guardKey == "" {
		return func() {}, true
	}
	release, ok, err := c.guard.TryAcquire(ctx, c.guardKey)
	if err != nil {
		c.logger.Warn("bootstrap: login guard unavailable", zap.Error(err))
		return func() {}, true
	}
	return release, ok
}

// clearBusy ends the attempt and returns to the idle state it started from.
func (c *Controller) clearBusy() {
	c.mu.Lock()
	wasBusy := c.busy
	c.busy = false
	if c.state == StateSubmitting {
		c.state = c.idleState()
	}
	c.mu.Unlock()
	if wasBusy {
		c.view.SetBusy(false)
	}
}

// settle leaves a non-terminal state after a failure.
func (c *Controller) settle() {
	c.mu.Lock()
	if c.state != StateRedirecting {
		c.state = c.idleState()
	}
	c.mu.Unlock()
}

func (c *Controller) idleState() State {
	if c.sub != nil {
		return StateIdleWithListener
	}
	return StateIdle
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	if c.state != StateRedirecting {
		c.state = state
	}
	c.mu.Unlock()
}

// redirect navigates to the application page at most once.
func (c *Controller) redirect() {
	c.mu.Lock()
	if c.redirected {
		c.mu.Unlock()
		return
	}
	c.redirected = true
	c.state = StateRedirecting
	c.mu.Unlock()

	c.logger.Debug("bootstrap: redirecting", zap.String("target", c.appPath))
	c.navigator.Redirect(c.appPath)
}

func (c *Controller) record(outcome Outcome) Outcome {
	if c.metrics != nil {
		c.metrics.ObserveLogin(string(outcome))
	}
	return outcome
}
