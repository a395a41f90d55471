package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEventBuilder(t *testing.T) {
	event := NewAuditEvent(CredentialIssued, "issue_service_credential", StatusSuccess).
		WithSubject("sub-123").
		WithResource("iam-sub-123").
		WithDetail("username", "backup-jane")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "sub-123", event.SubjectID)
	assert.Equal(t, SeverityInfo, event.Severity)
	assert.Equal(t, "backup-jane", event.Details["username"])

	event.WithError(errors.New("denied"))
	assert.Equal(t, StatusFailure, event.Status)
	assert.Equal(t, SeverityError, event.Severity)
	assert.Equal(t, "denied", event.ErrorMessage)

	parsed, err := ParseAuditEvent(event.ToJSON())
	require.NoError(t, err)
	assert.Equal(t, event.Action, parsed.Action)
	assert.Equal(t, event.SubjectID, parsed.SubjectID)
}

func TestAuditEventJSONErrors(t *testing.T) {
	event := NewAuditEvent(AdminAction, "call", StatusSuccess)
	event.Details = map[string]interface{}{"bad": func() {}}
	assert.Contains(t, event.ToJSON(), "failed to marshal audit event")

	_, err := ParseAuditEvent("{invalid json")
	assert.Error(t, err)
}

func TestLoggerAuditWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))
	ctx := WithCorrelationID(context.Background(), "cid-1")

	logger.Audit(ctx, NewAuditEvent(DestructiveSync, "confirmed_sync", StatusSuccess).
		WithSubject("sub-1").
		WithDetail("deletes", 3))

	entry := decodeLastLog(t, buf.Bytes())
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "cid-1", entry["correlation_id"])
	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, true, fields["audit"])
	assert.Equal(t, "DESTRUCTIVE_SYNC", fields["event_type"])
	assert.Equal(t, float64(3), fields["deletes"])

	buf.Reset()
	logger.Audit(ctx, NewAuditEvent(AuthFailure, "submit_password", StatusSuccess).WithError(errors.New("rejected")))
	assert.True(t, strings.Contains(buf.String(), `"level":"warn"`))
}
