package cli

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbackup/cloudbackup/internal/admin"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// bucketAPI accepts every bucket call and remembers which ones were made.
type bucketAPI struct {
	mu    sync.Mutex
	calls []string
}

func (b *bucketAPI) record(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
}

func (b *bucketAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	b.record("HeadBucket")
	return nil, &smithy.GenericAPIError{Code: "NotFound"}
}

func (b *bucketAPI) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	b.record("CreateBucket")
	return &s3.CreateBucketOutput{}, nil
}

func (b *bucketAPI) PutBucketVersioning(context.Context, *s3.PutBucketVersioningInput, ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	b.record("PutBucketVersioning")
	return &s3.PutBucketVersioningOutput{}, nil
}

func (b *bucketAPI) PutBucketEncryption(context.Context, *s3.PutBucketEncryptionInput, ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	b.record("PutBucketEncryption")
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (b *bucketAPI) PutPublicAccessBlock(context.Context, *s3.PutPublicAccessBlockInput, ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	b.record("PutPublicAccessBlock")
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (b *bucketAPI) PutBucketPolicy(context.Context, *s3.PutBucketPolicyInput, ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	b.record("PutBucketPolicy")
	return &s3.PutBucketPolicyOutput{}, nil
}

func (b *bucketAPI) PutBucketLifecycleConfiguration(context.Context, *s3.PutBucketLifecycleConfigurationInput, ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	b.record("PutBucketLifecycleConfiguration")
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func TestAdminSetupBucket(t *testing.T) {
	te := newTestEnv(t, "")
	boss := te.seedAdmin()
	api := &bucketAPI{}
	te.env.adminOpts = []admin.Option{
		admin.WithS3ClientFactory(func(_ context.Context, cfg *models.AWSConfig) (admin.S3API, error) {
			assert.Equal(t, "AKIAADMIN", cfg.AccessKeyID)
			return api, nil
		}),
	}

	out, err := te.run("", "admin", "setup-bucket", "--lifecycle", "--days-to-ia", "60", "--days-to-glacier", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Created bucket backups in eu-west-1")
	assert.Contains(t, out, "Lifecycle: STANDARD_IA after 60 days\n")
	assert.Contains(t, api.calls, "PutBucketPolicy")
	assert.Contains(t, api.calls, "PutBucketLifecycleConfiguration")

	te.withStore(func(st store.Store) {
		p, err := st.GetProfile(boss.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleConfig{Enabled: true, DaysToIA: 60}, p.AWSConfig.Lifecycle)
	})

	_, err = te.run("", "admin", "setup-bucket", "--lifecycle", "--days-to-ia", "5")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}
