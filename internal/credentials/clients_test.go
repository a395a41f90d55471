package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPIssuer(t *testing.T) {
	var got IssueRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		if got.SubjectID == "sub-exists" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"success":false,"userExists":true,"error":"User already exists"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"accessKeyId":"AKIA1","secretKey":"s","region":"us-east-1","serviceUsername":"backup-sub-1","bucket":"b","prefix":"users/sub-1"}`))
	}))
	defer srv.Close()

	issuer := NewHTTPIssuer(srv.URL, time.Second)

	resp, err := issuer.Issue(context.Background(), IssueRequest{SubjectID: "sub-1", Email: "a@b.c", AccessToken: "tok"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "backup-sub-1", resp.ServiceUsername)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "a@b.c", got.Email)

	resp, err = issuer.Issue(context.Background(), IssueRequest{SubjectID: "sub-exists"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.UserExists)
}

func TestHTTPIssuerUnparseableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPIssuer(srv.URL, time.Second).Issue(context.Background(), IssueRequest{SubjectID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeSTS struct {
	mu     sync.Mutex
	input  *sts.AssumeRoleWithWebIdentityInput
	expiry time.Time
}

func (f *fakeSTS) AssumeRoleWithWebIdentity(_ context.Context, in *sts.AssumeRoleWithWebIdentityInput, _ ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = in
	return &sts.AssumeRoleWithWebIdentityOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("ASIA1"),
		SecretAccessKey: aws.String("secret"),
		SessionToken:    aws.String("token"),
		Expiration:      aws.Time(f.expiry),
	}}, nil
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Arn: aws.String("arn:aws:iam::123456789012:user/backup-sub-1")}, nil
}

func TestSTSExchanger(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC()
	api := &fakeSTS{expiry: expiry}
	ex := NewSTSExchanger(api, "arn:aws:iam::123:role/backup", "cloudbackup", time.Hour)

	cred, err := ex.Exchange(context.Background(), "id-token")
	require.NoError(t, err)
	assert.Equal(t, "ASIA1", cred.AccessKeyID)
	assert.Equal(t, "token", cred.SessionToken)
	assert.True(t, cred.Expiration.Equal(expiry))

	assert.Equal(t, "id-token", aws.ToString(api.input.WebIdentityToken))
	assert.Equal(t, int32(3600), aws.ToInt32(api.input.DurationSeconds))
	assert.Equal(t, "cloudbackup", aws.ToString(api.input.RoleSessionName))
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	v.newClient = func(aws.Config) STSAPI { return &fakeSTS{} }

	arn, err := v.Validate(context.Background(), "AKIA", "secret", "", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:user/backup-sub-1", arn)
}

func TestRegistrarWritesPrivateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	reg := NewRegistrar("", filepath.Join(dir, "rclone.conf"), filepath.Join(dir, "rclone-scheduled.conf"))

	require.NoError(t, reg.WriteInteractive(&models.FederatedCredential{AccessKeyID: "ASIA", SecretAccessKey: "s", SessionToken: "t"}, "us-east-1"))
	info, err := os.Stat(reg.InteractivePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(reg.InteractivePath())
	require.NoError(t, err)
	assert.Equal(t, "[aws]\ntype = s3\nprovider = AWS\nenv_auth = false\naccess_key_id = ASIA\nsecret_access_key = s\nsession_token = t\nregion = us-east-1\nacl = private\n\n", string(data))

	assert.Error(t, reg.WriteUnattended(&models.ServiceCredential{AccessKeyID: "AKIA"}))
	require.NoError(t, reg.RemoveUnattended())
}
