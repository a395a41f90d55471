// Package credentials turns a signed-in session into storage credentials:
// a short-lived federated credential for interactive work and a long-lived
// service credential for unattended runs.
package credentials

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Exchanger trades an identity token for a federated credential.
type Exchanger interface {
	Exchange(ctx context.Context, identityToken string) (*models.FederatedCredential, error)
}

// Coordinator runs both credential exchanges.
type Coordinator struct {
	exchanger Exchanger
	issuer    Issuer
	store     store.Store
	registrar *Registrar
	region    string
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.Mutex
	federated map[string]*models.FederatedCredential

	issueMu sync.Mutex
}

type Option func(*Coordinator)

// WithIssuer enables service credential issuance. Without it unattended
// operation is reported as unavailable.
func WithIssuer(issuer Issuer) Option {
	return func(c *Coordinator) { c.issuer = issuer }
}

// WithRegistrar writes tool configs for every credential obtained.
func WithRegistrar(r *Registrar) Option {
	return func(c *Coordinator) { c.registrar = r }
}

// WithRegion sets the storage region written into the interactive config.
func WithRegion(region string) Option {
	return func(c *Coordinator) { c.region = region }
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(exchanger Exchanger, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		exchanger: exchanger,
		store:     st,
		region:    "us-east-1",
		logger:    logging.Nop(),
		now:       time.Now,
		federated: make(map[string]*models.FederatedCredential),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UnattendedAvailable reports whether service credentials can be issued.
func (c *Coordinator) UnattendedAvailable() bool {
	return c.issuer != nil
}

// DeriveFederated exchanges the session's identity token for a fresh
// federated credential. Failures are *errors.ErrCredentialExchangeFailed.
func (c *Coordinator) DeriveFederated(ctx context.Context, session *models.Session) (*models.FederatedCredential, error) {
	if session == nil || session.IDToken == "" {
		return nil, &errors.ErrValidation{Field: "session", Reason: "identity token required"}
	}
	if c.exchanger == nil {
		return nil, &errors.ErrCredentialExchangeFailed{Stage: "federation", Err: stderrors.New("federation not configured")}
	}

	cred, err := c.exchanger.Exchange(ctx, session.IDToken)
	if err != nil {
		c.metrics.RecordCredentialExchange("federated", "failure")
		c.logger.WarnWithContext(ctx, "federated credential exchange failed", "subject_id", session.SubjectID, "error", err)
		return nil, &errors.ErrCredentialExchangeFailed{Stage: "federation", Err: err}
	}
	c.metrics.RecordCredentialExchange("federated", "success")

	if c.registrar != nil {
		if err := c.registrar.WriteInteractive(cred, c.region); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.federated[session.SubjectID] = cred
	c.mu.Unlock()

	c.logger.InfoWithContext(ctx, "federated credential derived",
		"subject_id", session.SubjectID,
		"access_key_id", logging.Redact(cred.AccessKeyID),
		"expires_at", cred.Expiration,
	)
	return cred, nil
}

// Federated returns the cached federated credential for the session,
// deriving a new one when none is cached or it has expired.
func (c *Coordinator) Federated(ctx context.Context, session *models.Session) (*models.FederatedCredential, error) {
	if session != nil {
		c.mu.Lock()
		cred := c.federated[session.SubjectID]
		c.mu.Unlock()
		if !cred.Expired(c.now()) {
			return cred, nil
		}
	}
	return c.DeriveFederated(ctx, session)
}

// RefreshFederated drops the cached credential and derives a new one. Call
// it after a storage call failed with an authorization error.
func (c *Coordinator) RefreshFederated(ctx context.Context, session *models.Session) (*models.FederatedCredential, error) {
	if session != nil {
		c.mu.Lock()
		delete(c.federated, session.SubjectID)
		c.mu.Unlock()
	}
	return c.DeriveFederated(ctx, session)
}

// GetOrCreateServiceCredential returns the cached service credential for
// subjectID or asks the issuance backend for one. The backend is asked at
// most once per subject: once a credential is cached it is served from the
// store, and a backend that reports an existing credential yields
// *errors.ErrCredentialOrphaned.
func (c *Coordinator) GetOrCreateServiceCredential(ctx context.Context, subjectID, email, accessToken string) (*models.ServiceCredential, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, &errors.ErrValidation{Field: "subject_id", Reason: "must not be empty"}
	}

	c.issueMu.Lock()
	defer c.issueMu.Unlock()

	cached, err := c.store.GetServiceCredential(subjectID)
	switch {
	case err == nil:
		c.metrics.RecordCredentialExchange("service", "cached")
		if err := c.register(cached); err != nil {
			return nil, err
		}
		return cached, nil
	case !errors.IsNotFound(err):
		return nil, err
	}

	if c.issuer == nil {
		return nil, errors.ErrUnattendedUnavailable
	}

	resp, err := c.issuer.Issue(ctx, IssueRequest{SubjectID: subjectID, Email: email, AccessToken: accessToken})
	if err != nil {
		c.metrics.RecordCredentialExchange("service", "failure")
		c.logger.WarnWithContext(ctx, "service credential issuance failed", "subject_id", subjectID, "error", err)
		return nil, &errors.ErrCredentialExchangeFailed{Stage: "issuance", Err: err}
	}
	if !resp.Success {
		if resp.UserExists {
			c.metrics.RecordCredentialExchange("service", "orphaned")
			err := &errors.ErrCredentialOrphaned{SubjectID: subjectID, Message: resp.Error}
			c.logger.Audit(ctx, logging.NewAuditEvent(logging.CredentialIssued, "issue service credential", logging.StatusFailure).
				WithSubject(subjectID).
				WithSeverity(logging.SeverityWarning).
				WithError(err))
			return nil, err
		}
		c.metrics.RecordCredentialExchange("service", "failure")
		reason := resp.Error
		if reason == "" {
			reason = "issuance backend reported failure"
		}
		return nil, &errors.ErrCredentialExchangeFailed{Stage: "issuance", Err: stderrors.New(reason)}
	}

	cred := &models.ServiceCredential{
		SubjectID:       subjectID,
		AccessKeyID:     resp.AccessKeyID,
		SecretAccessKey: resp.SecretKey,
		Region:          resp.Region,
		ServiceUsername: resp.ServiceUsername,
		Bucket:          resp.Bucket,
		Prefix:          resp.Prefix,
		CreatedAt:       c.now().UTC(),
	}
	if !cred.Complete() {
		c.metrics.RecordCredentialExchange("service", "failure")
		return nil, &errors.ErrCredentialExchangeFailed{Stage: "issuance", Err: stderrors.New("issuance backend returned an incomplete credential")}
	}
	if err := c.store.SaveServiceCredential(cred); err != nil {
		return nil, err
	}
	c.metrics.RecordCredentialExchange("service", "success")
	c.logger.Audit(ctx, logging.NewAuditEvent(logging.CredentialIssued, "issue service credential", logging.StatusSuccess).
		WithSubject(subjectID).
		WithResource(cred.ServiceUsername).
		WithDetail("access_key_id", logging.Redact(cred.AccessKeyID)))

	if err := c.register(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Revoke forgets the cached service credential and removes the unattended
// tool config. It does not touch the backend.
func (c *Coordinator) Revoke(ctx context.Context, subjectID string) error {
	c.issueMu.Lock()
	defer c.issueMu.Unlock()

	if err := c.store.DeleteServiceCredential(subjectID); err != nil {
		return err
	}
	if c.registrar != nil {
		if err := c.registrar.RemoveUnattended(); err != nil {
			return err
		}
	}
	c.logger.Audit(ctx, logging.NewAuditEvent(logging.CredentialRevoked, "revoke service credential", logging.StatusSuccess).
		WithSubject(subjectID).
		WithSeverity(logging.SeverityWarning))
	return nil
}

func (c *Coordinator) register(cred *models.ServiceCredential) error {
	if c.registrar == nil {
		return nil
	}
	return c.registrar.WriteUnattended(cred)
}
