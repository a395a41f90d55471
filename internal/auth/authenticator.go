package auth

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// State of the sign-in flow.
type State string

const (
	StateAwaitingCredentials   State = "AwaitingCredentials"
	StateChallengeSecondFactor State = "ChallengeSecondFactor"
	StateChallengeNewPassword  State = "ChallengeNewPassword"
	StateAuthenticated         State = "Authenticated"
	StateFailed                State = "Failed"
)

const (
	stagePassword     = "password"
	stageSecondFactor = "second_factor"
	stageNewPassword  = "new_password"

	minPasswordLength = 8
	secondFactorLen   = 6
)

// Snapshot is the externally visible state. Only the fields that belong to
// State are set.
type Snapshot struct {
	State              State           `json:"state"`
	Email              string          `json:"email,omitempty"`
	ChallengeName      string          `json:"challenge_name,omitempty"`
	RequiredAttributes []string        `json:"required_attributes,omitempty"`
	Session            *models.Session `json:"session,omitempty"`
}

// Authenticator runs the sign-in state machine. It is safe for concurrent
// use; a second call for a stage that is already in flight fails with
// *errors.ErrBusy and a result that arrives after Cancel is discarded with
// errors.ErrStale.
type Authenticator struct {
	provider     IdentityProvider
	logger       *logging.Logger
	metrics      *metrics.Metrics
	secondFactor bool

	mu            sync.Mutex
	state         State
	generation    uint64
	inFlight      map[string]bool
	email         string
	challenge     Challenge
	requiredAttrs []string
	session       *models.Session
}

type Option func(*Authenticator)

func WithLogger(logger *logging.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// WithSecondFactor controls whether a second factor challenge can be
// answered. When disabled such a challenge moves the flow to StateFailed.
func WithSecondFactor(enabled bool) Option {
	return func(a *Authenticator) { a.secondFactor = enabled }
}

func NewAuthenticator(provider IdentityProvider, opts ...Option) *Authenticator {
	a := &Authenticator{
		provider:     provider,
		logger:       logging.Nop(),
		secondFactor: true,
		state:        StateAwaitingCredentials,
		inFlight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Session returns the signed-in session or nil.
func (a *Authenticator) Session() *models.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// SubmitPassword starts a sign-in.
func (a *Authenticator) SubmitPassword(ctx context.Context, email, password string) (Snapshot, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return a.Snapshot(), &errors.ErrValidation{Field: "email", Reason: "must not be empty"}
	}
	if password == "" {
		return a.Snapshot(), &errors.ErrValidation{Field: "password", Reason: "must not be empty"}
	}

	gen, _, err := a.begin(stagePassword, nil, StateAwaitingCredentials, StateFailed)
	if err != nil {
		return a.Snapshot(), err
	}
	outcome, err := a.provider.Authenticate(ctx, email, password)
	return a.finish(ctx, stagePassword, gen, email, outcome, err)
}

// SubmitSecondFactor answers a second factor challenge with a 6-digit code.
func (a *Authenticator) SubmitSecondFactor(ctx context.Context, code string) (Snapshot, error) {
	code = strings.TrimSpace(code)
	if !isNumericCode(code, secondFactorLen) {
		return a.Snapshot(), &errors.ErrValidation{Field: "code", Reason: "must be 6 digits"}
	}

	gen, ch, err := a.begin(stageSecondFactor, nil, StateChallengeSecondFactor)
	if err != nil {
		return a.Snapshot(), err
	}
	outcome, err := a.provider.RespondSecondFactor(ctx, ch, code)
	return a.finish(ctx, stageSecondFactor, gen, "", outcome, err)
}

// SubmitNewPassword answers a forced password reset. Attributes the provider
// flagged as required must be present in attrs.
func (a *Authenticator) SubmitNewPassword(ctx context.Context, newPassword, confirmPassword string, attrs map[string]string) (Snapshot, error) {
	if utf8.RuneCountInString(newPassword) < minPasswordLength {
		return a.Snapshot(), &errors.ErrValidation{Field: "new_password", Reason: "must be at least 8 characters"}
	}
	if newPassword != confirmPassword {
		return a.Snapshot(), &errors.ErrValidation{Field: "confirm_password", Reason: "passwords do not match"}
	}

	checkAttrs := func() error {
		for _, name := range a.requiredAttrs {
			if strings.TrimSpace(attrs[name]) == "" {
				return &errors.ErrValidation{Field: name, Reason: "required by the identity provider"}
			}
		}
		return nil
	}
	gen, ch, err := a.begin(stageNewPassword, checkAttrs, StateChallengeNewPassword)
	if err != nil {
		return a.Snapshot(), err
	}
	outcome, err := a.provider.RespondNewPassword(ctx, ch, newPassword, attrs)
	return a.finish(ctx, stageNewPassword, gen, "", outcome, err)
}

// Cancel abandons the current challenge and returns to
// StateAwaitingCredentials. Calls still in flight complete but their results
// are discarded.
func (a *Authenticator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAuthenticated {
		return
	}
	a.resetLocked()
}

// SignOut forgets the session.
func (a *Authenticator) SignOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.session = nil
}

func (a *Authenticator) resetLocked() {
	a.state = StateAwaitingCredentials
	a.generation++
	a.email = ""
	a.challenge = Challenge{}
	a.requiredAttrs = nil
}

// begin checks the state, runs check under the lock and marks stage as in
// flight. It returns the generation the result has to match.
func (a *Authenticator) begin(stage string, check func() error, allowed ...State) (uint64, Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !stateIn(a.state, allowed) {
		return 0, Challenge{}, &errors.ErrInvalidState{State: string(a.state), Operation: "submit " + stage}
	}
	if check != nil {
		if err := check(); err != nil {
			return 0, Challenge{}, err
		}
	}
	if a.inFlight[stage] {
		return 0, Challenge{}, &errors.ErrBusy{Stage: stage}
	}
	a.inFlight[stage] = true
	return a.generation, a.challenge, nil
}

func (a *Authenticator) finish(ctx context.Context, stage string, gen uint64, email string, outcome *Outcome, callErr error) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, stage)

	if a.generation != gen {
		a.metrics.RecordAuth(stage, "stale")
		a.logger.DebugWithContext(ctx, "discarding stale sign-in result", "stage", stage)
		return a.snapshotLocked(), errors.ErrStale
	}
	if callErr != nil {
		a.metrics.RecordAuth(stage, "error")
		a.logger.WarnWithContext(ctx, "identity provider call failed", "stage", stage, "error", callErr)
		return a.snapshotLocked(), callErr
	}
	if outcome == nil {
		outcome = Rejected("empty response from identity provider")
	}
	if email != "" && outcome.Kind != OutcomeRejected {
		a.email = email
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		if outcome.Session == nil {
			a.metrics.RecordAuth(stage, "error")
			return a.snapshotLocked(), &errors.ErrInvalidCredentials{Reason: "identity provider returned no session"}
		}
		a.state = StateAuthenticated
		a.generation++
		a.session = outcome.Session
		a.challenge = Challenge{}
		a.requiredAttrs = nil
		a.metrics.RecordAuth(stage, "success")
		a.logger.Audit(ctx, logging.NewAuditEvent(logging.AuthSuccess, "sign-in", logging.StatusSuccess).
			WithSubject(outcome.Session.SubjectID).
			WithDetail("stage", stage))
		return a.snapshotLocked(), nil

	case OutcomeSecondFactorRequired:
		a.generation++
		if !a.secondFactor {
			a.state = StateFailed
			a.challenge = Challenge{}
			a.metrics.RecordAuth(stage, "unsupported")
			err := &errors.ErrInvalidState{State: string(StateChallengeSecondFactor), Operation: "sign-in with second factor disabled"}
			a.auditFailure(ctx, stage, err)
			return a.snapshotLocked(), err
		}
		a.state = StateChallengeSecondFactor
		a.challenge = outcome.Challenge
		a.requiredAttrs = nil
		a.metrics.RecordAuth(stage, "challenge")
		return a.snapshotLocked(), nil

	case OutcomeNewPasswordRequired:
		a.generation++
		a.state = StateChallengeNewPassword
		a.challenge = outcome.Challenge
		a.requiredAttrs = append([]string(nil), outcome.RequiredAttributes...)
		a.metrics.RecordAuth(stage, "challenge")
		return a.snapshotLocked(), nil

	default:
		// Rejections leave the state as it was so the operator can retry.
		if outcome.Challenge.Token != "" {
			a.challenge.Token = outcome.Challenge.Token
		}
		a.metrics.RecordAuth(stage, "rejected")
		var err error
		if stage == stagePassword {
			err = &errors.ErrInvalidCredentials{Reason: outcome.Reason}
		} else {
			err = &errors.ErrInvalidChallengeResponse{Reason: outcome.Reason}
		}
		a.auditFailure(ctx, stage, err)
		return a.snapshotLocked(), err
	}
}

func (a *Authenticator) auditFailure(ctx context.Context, stage string, err error) {
	a.logger.Audit(ctx, logging.NewAuditEvent(logging.AuthFailure, "sign-in", logging.StatusFailure).
		WithSeverity(logging.SeverityWarning).
		WithDetail("stage", stage).
		WithError(err))
}

func (a *Authenticator) snapshotLocked() Snapshot {
	s := Snapshot{State: a.state}
	switch a.state {
	case StateChallengeSecondFactor:
		s.Email = a.email
		s.ChallengeName = a.challenge.Name
	case StateChallengeNewPassword:
		s.Email = a.email
		s.ChallengeName = a.challenge.Name
		s.RequiredAttributes = append([]string(nil), a.requiredAttrs...)
	case StateAuthenticated:
		s.Email = a.email
		s.Session = a.session
	}
	return s
}

func stateIn(s State, allowed []State) bool {
	for _, candidate := range allowed {
		if s == candidate {
			return true
		}
	}
	return false
}

func isNumericCode(code string, n int) bool {
	if len(code) != n {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
