// Package backup holds the sync preview and confirmation gate that stands
// in front of every backup run, plus the operation history around it.
package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/notify"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Tool is the external synchronization tool.
type Tool interface {
	DryRun(ctx context.Context, p *models.Profile) (*models.ChangeSet, error)
	Run(ctx context.Context, p *models.Profile) (*models.Operation, error)
	Restore(ctx context.Context, p *models.Profile, remotePaths []string, localTarget string) (*models.Operation, error)
}

// previewTTL bounds how long a preview stands in for the remote state when
// a run is confirmed.
const previewTTL = 10 * time.Minute

// Gate previews sync runs and refuses to run one that deletes remote files
// until the operator confirms. The last preview of each profile is kept so
// a confirmation always refers to a change set the gate produced itself.
type Gate struct {
	tool     Tool
	store    store.Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier
	now      func() time.Time

	mu       sync.Mutex
	previews map[string]heldPreview
}

type heldPreview struct {
	changeSet *models.ChangeSet
	takenAt   time.Time
}

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// NewGate creates a Gate.
func NewGate(tool Tool, st store.Store, opts ...Option) *Gate {
	g := &Gate{
		tool:     tool,
		store:    st,
		logger:   logging.Nop(),
		notifier: notify.Nop{},
		now:      time.Now,
		previews: make(map[string]heldPreview),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Preview runs a dry-run for a Sync profile. Copy profiles never delete and
// have nothing to preview.
func (g *Gate) Preview(ctx context.Context, p *models.Profile) (*models.ChangeSet, error) {
	if p.Mode != models.ModeSync {
		return nil, &errors.ErrInvalidState{State: string(p.Mode), Operation: "preview"}
	}

	op := models.NewOperation(p.ID, models.OperationPreview)
	cs, err := g.tool.DryRun(ctx, p)
	if err != nil {
		g.dropPreview(p.ID)
		op.Finish(models.StatusFailed, err.Error())
		g.record(ctx, op)
		return nil, err
	}

	op.LogOutput = fmt.Sprintf("copy=%d update=%d delete=%d", len(cs.FilesToCopy), len(cs.FilesToUpdate), len(cs.FilesToDelete))
	op.Finish(models.StatusCompleted, "")
	g.record(ctx, op)

	g.mu.Lock()
	g.previews[p.ID] = heldPreview{changeSet: cs, takenAt: g.now()}
	g.mu.Unlock()
	return cs, nil
}

// lastPreview returns the profile's preview if it is recent enough to
// confirm against.
func (g *Gate) lastPreview(profileID string) *models.ChangeSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	held, ok := g.previews[profileID]
	if !ok || g.now().Sub(held.takenAt) > previewTTL {
		delete(g.previews, profileID)
		return nil
	}
	return held.changeSet
}

func (g *Gate) dropPreview(profileID string) {
	g.mu.Lock()
	delete(g.previews, profileID)
	g.mu.Unlock()
}

// ConfirmAndRun executes the profile's backup.
//
// Copy profiles run straight away. Sync profiles are checked against the
// last preview the gate took for them, or a fresh one when there is none.
// If that change set deletes files and confirmed is false,
// *errors.ErrConfirmationRequired is returned and nothing runs. A run
// consumes the preview.
func (g *Gate) ConfirmAndRun(ctx context.Context, p *models.Profile, confirmed bool) (*models.Operation, error) {
	var cs *models.ChangeSet
	if p.Mode == models.ModeSync {
		if cs = g.lastPreview(p.ID); cs == nil {
			var err error
			if cs, err = g.Preview(ctx, p); err != nil {
				return nil, err
			}
		}
		if cs.HasDeletes() && !confirmed {
			g.metrics.RecordConfirmationRequired()
			g.logger.InfoWithContext(ctx, "sync held for confirmation",
				"profile_id", p.ID,
				"deletes", len(cs.FilesToDelete),
			)
			return nil, &errors.ErrConfirmationRequired{ProfileID: p.ID, Deletes: len(cs.FilesToDelete)}
		}
	}

	g.dropPreview(p.ID)
	op, err := g.tool.Run(ctx, p)
	if err != nil {
		g.logger.ErrorWithContext(ctx, "backup could not start", "profile_id", p.ID, "error", err)
		return nil, err
	}
	g.record(ctx, op)

	if p.Mode == models.ModeSync && cs.HasDeletes() {
		status := logging.StatusSuccess
		if op.Status != models.StatusCompleted {
			status = logging.StatusFailure
		}
		g.logger.Audit(ctx, logging.NewAuditEvent(logging.DestructiveSync, "confirmed sync with deletions", status).
			WithSubject(p.SubjectID).
			WithResource(p.Destination()).
			WithSeverity(logging.SeverityWarning).
			WithDetail("profile_id", p.ID).
			WithDetail("deletes", len(cs.FilesToDelete)).
			WithDetail("operation_id", op.ID))
	}
	return op, nil
}

// GuardUnattended decides whether a scheduled run may proceed without an
// operator. Sync runs that would delete remote files are refused and the
// operator is notified; the refusal is recorded as a Cancelled operation.
func (g *Gate) GuardUnattended(ctx context.Context, p *models.Profile) error {
	if p.Mode != models.ModeSync {
		return nil
	}
	cs, err := g.tool.DryRun(ctx, p)
	if err != nil {
		return err
	}
	if !cs.HasDeletes() {
		return nil
	}

	g.metrics.RecordConfirmationRequired()
	op := models.NewOperation(p.ID, models.OperationBackup)
	op.Finish(models.StatusCancelled, fmt.Sprintf("scheduled sync skipped: %d remote file(s) would be deleted; run it interactively to confirm", len(cs.FilesToDelete)))
	g.record(ctx, op)

	if nerr := g.notifier.Notify(ctx, notify.Notification{
		Key:       "confirm:" + p.ID,
		Severity:  notify.SeverityWarning,
		Title:     "Scheduled sync needs confirmation",
		Body:      op.ErrorMessage,
		ProfileID: p.ID,
	}); nerr != nil {
		g.logger.WarnWithContext(ctx, "failed to deliver notification", "profile_id", p.ID, "error", nerr)
	}
	return &errors.ErrConfirmationRequired{ProfileID: p.ID, Deletes: len(cs.FilesToDelete)}
}

// Restore copies remote paths into localTarget and records the operation.
func (g *Gate) Restore(ctx context.Context, p *models.Profile, remotePaths []string, localTarget string) (*models.Operation, error) {
	op, err := g.tool.Restore(ctx, p, remotePaths, localTarget)
	if err != nil {
		return nil, err
	}
	g.record(ctx, op)
	return op, nil
}

// History returns the newest operations of a profile.
func (g *Gate) History(profileID string, limit int) ([]*models.Operation, error) {
	return g.store.ListOperations(profileID, limit)
}

func (g *Gate) ClearHistory(profileID string) error {
	return g.store.ClearOperations(profileID)
}

// Record stores an operation produced outside the gate, such as one parsed
// from a scheduled run log.
func (g *Gate) Record(ctx context.Context, op *models.Operation) {
	g.record(ctx, op)
}

func (g *Gate) record(ctx context.Context, op *models.Operation) {
	if op.Terminal() {
		g.metrics.RecordOperation(string(op.Type), string(op.Status), op.BytesTransferred)
	}
	if err := g.store.SaveOperation(op); err != nil {
		g.logger.ErrorWithContext(ctx, "failed to save operation", "operation_id", op.ID, "error", err)
	}
	if op.Status == models.StatusFailed {
		g.logger.WarnWithContext(ctx, "operation failed",
			"profile_id", op.ProfileID,
			"type", string(op.Type),
			"error", op.ErrorMessage,
		)
	}
}
