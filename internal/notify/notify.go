// Package notify delivers operator notifications about failed schedules,
// failed scheduled runs and destructive syncs held for confirmation.
package notify

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one message for the operator.
type Notification struct {
	Key       string // dedup key; empty disables deduplication
	Severity  Severity
	Title     string
	Body      string
	ProfileID string
	Time      time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []interface{}{"title", n.Title, "body", n.Body}
	if n.ProfileID != "" {
		fields = append(fields, "profile_id", n.ProfileID)
	}
	switch n.Severity {
	case SeverityError:
		l.logger.ErrorWithContext(ctx, "notification", fields...)
	case SeverityWarning:
		l.logger.WarnWithContext(ctx, "notification", fields...)
	default:
		l.logger.InfoWithContext(ctx, "notification", fields...)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
