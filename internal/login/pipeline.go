// Package login runs one sign-in end to end: challenge-response
// authentication, credential exchange and profile provisioning, strictly in
// that order.
package login

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/cloudbackup/cloudbackup/internal/auth"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// Authenticator is the sign-in state machine.
type Authenticator interface {
	SubmitPassword(ctx context.Context, email, password string) (auth.Snapshot, error)
	SubmitSecondFactor(ctx context.Context, code string) (auth.Snapshot, error)
	SubmitNewPassword(ctx context.Context, newPassword, confirmPassword string, attrs map[string]string) (auth.Snapshot, error)
	Snapshot() auth.Snapshot
	Cancel()
	SignOut()
}

// Credentials derives storage credentials for a session.
type Credentials interface {
	DeriveFederated(ctx context.Context, session *models.Session) (*models.FederatedCredential, error)
	GetOrCreateServiceCredential(ctx context.Context, subjectID, email, accessToken string) (*models.ServiceCredential, error)
}

// Provisioner resolves the profile of a session.
type Provisioner interface {
	IsAdmin(session *models.Session) bool
	GetOrCreateProfile(ctx context.Context, session *models.Session, isAdmin bool, bucket string, cred *models.FederatedCredential) (*models.Profile, error)
	SelectActive(profileID string) error
}

// Result is what a completed login hands to the rest of the process.
type Result struct {
	Session   *models.Session
	Profile   *models.Profile
	Federated *models.FederatedCredential
	Service   *models.ServiceCredential
	// Warnings are degraded-but-usable conditions, such as unattended runs
	// being unavailable.
	Warnings []string
	// FederatedErr and ServiceErr keep the typed cause behind a missing
	// credential so callers can tell, for example, an orphaned IAM user
	// from a transient failure.
	FederatedErr error
	ServiceErr   error
}

// Step is the outcome of one submission. Result is set once the pipeline
// has finished.
type Step struct {
	Snapshot auth.Snapshot
	Result   *Result
}

// Pipeline feeds each stage's output into the next.
type Pipeline struct {
	auth        Authenticator
	credentials Credentials
	provisioner Provisioner
	bucket      string
	logger      *logging.Logger

	mu     sync.Mutex
	result *Result
}

type Option func(*Pipeline)

func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func NewPipeline(a Authenticator, c Credentials, prov Provisioner, bucket string, opts ...Option) *Pipeline {
	p := &Pipeline{
		auth:        a,
		credentials: c,
		provisioner: prov,
		bucket:      bucket,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) SubmitPassword(ctx context.Context, email, password string) (*Step, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	snap, err := p.auth.SubmitPassword(ctx, email, password)
	return p.advance(ctx, snap, err)
}

func (p *Pipeline) SubmitSecondFactor(ctx context.Context, code string) (*Step, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	snap, err := p.auth.SubmitSecondFactor(ctx, code)
	return p.advance(ctx, snap, err)
}

func (p *Pipeline) SubmitNewPassword(ctx context.Context, newPassword, confirmPassword string, attrs map[string]string) (*Step, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	snap, err := p.auth.SubmitNewPassword(ctx, newPassword, confirmPassword, attrs)
	return p.advance(ctx, snap, err)
}

// Result returns the last completed login, or nil.
func (p *Pipeline) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Cancel abandons an unfinished sign-in.
func (p *Pipeline) Cancel() {
	p.auth.Cancel()
}

// SignOut drops the session and the login result.
func (p *Pipeline) SignOut() {
	p.auth.SignOut()
	p.mu.Lock()
	p.result = nil
	p.mu.Unlock()
}

func (p *Pipeline) advance(ctx context.Context, snap auth.Snapshot, err error) (*Step, error) {
	step := &Step{Snapshot: snap}
	if err != nil || snap.State != auth.StateAuthenticated {
		return step, err
	}
	res, err := p.complete(ctx, snap.Session)
	if err != nil {
		return step, err
	}
	step.Result = res
	return step, nil
}

// complete runs the credential and profile stages. Only a profile failure
// fails the login: without credentials the profile is still usable for
// configuration and the user is told what is degraded.
func (p *Pipeline) complete(ctx context.Context, session *models.Session) (*Result, error) {
	if session == nil {
		return nil, &errors.ErrInvalidState{State: string(auth.StateAuthenticated), Operation: "complete login without a session"}
	}
	res := &Result{Session: session}

	fed, err := p.credentials.DeriveFederated(ctx, session)
	if err != nil {
		p.logger.WarnWithContext(ctx, "continuing without federated credential", "subject_id", session.SubjectID, "error", err)
		res.FederatedErr = err
		res.Warnings = append(res.Warnings, "interactive storage access unavailable: "+err.Error())
	} else {
		res.Federated = fed
	}

	svc, err := p.credentials.GetOrCreateServiceCredential(ctx, session.SubjectID, session.Email, session.AccessToken)
	var orphaned *errors.ErrCredentialOrphaned
	if err != nil {
		res.ServiceErr = err
	}
	switch {
	case err == nil:
		res.Service = svc
	case stderrors.Is(err, errors.ErrUnattendedUnavailable):
		p.logger.InfoWithContext(ctx, "unattended credentials not configured", "subject_id", session.SubjectID)
		res.Warnings = append(res.Warnings, "scheduled backups unavailable: credential issuance is not configured")
	case stderrors.As(err, &orphaned):
		p.logger.WarnWithContext(ctx, "service credential orphaned", "subject_id", session.SubjectID)
		res.Warnings = append(res.Warnings, "scheduled backups unavailable: "+orphaned.Error())
	default:
		p.logger.WarnWithContext(ctx, "continuing without service credential", "subject_id", session.SubjectID, "error", err)
		res.Warnings = append(res.Warnings, "scheduled backups unavailable: "+err.Error())
	}

	bucket := p.bucket
	if res.Service != nil && res.Service.Bucket != "" && bucket == "" {
		bucket = res.Service.Bucket
	}
	profile, err := p.provisioner.GetOrCreateProfile(ctx, session, p.provisioner.IsAdmin(session), bucket, res.Federated)
	if err != nil {
		p.logger.ErrorWithContext(ctx, "profile provisioning failed", "subject_id", session.SubjectID, "error", err)
		return nil, err
	}
	if err := p.provisioner.SelectActive(profile.ID); err != nil {
		return nil, err
	}
	res.Profile = profile

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()

	p.logger.InfoWithContext(ctx, "login complete",
		"subject_id", session.SubjectID,
		"profile_id", profile.ID,
		"role", string(profile.Role),
		"warnings", len(res.Warnings),
	)
	return res, nil
}
