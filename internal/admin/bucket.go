package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

const (
	lifecycleRuleID = "OptimizeStorage"

	// minDaysToIA is the earliest S3 accepts a STANDARD_IA transition.
	minDaysToIA = 30
	// NeverToGlacier disables the GLACIER transition, as does zero.
	NeverToGlacier = 999999
)

// S3API is the part of the S3 client used for bucket setup.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

// S3ClientFactory builds an S3 client signed with the administrator's keys.
type S3ClientFactory func(ctx context.Context, cfg *models.AWSConfig) (S3API, error)

func defaultS3Client(ctx context.Context, cfg *models.AWSConfig) (S3API, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}

type setupStep struct {
	action string
	run    func() error
}

// BucketSetup reports what SetupBucket did.
type BucketSetup struct {
	Bucket    string                 `json:"bucket"`
	Region    string                 `json:"region"`
	Created   bool                   `json:"created"`
	Lifecycle models.LifecycleConfig `json:"lifecycle_config"`
}

// SetupBucket prepares the Admin profile's bucket for backups: it creates
// the bucket when missing, turns on versioning and SSE-S3 default
// encryption, blocks public access and denies plain-HTTP requests. With
// lifecycle enabled, objects move to STANDARD_IA and optionally GLACIER;
// nothing is ever expired. Every step is idempotent so the setup can be
// re-run. The lifecycle settings are kept on the profile.
func (p *Provisioner) SetupBucket(ctx context.Context, profileID string, lc models.LifecycleConfig) (*BucketSetup, error) {
	if err := ValidateLifecycle(lc); err != nil {
		return nil, err
	}
	prof, err := p.adminProfile(profileID, "set up bucket")
	if err != nil {
		return nil, err
	}
	cfg := prof.AWSConfig
	if cfg.Region == "" {
		return nil, &errors.ErrValidation{Field: "aws_config.region", Reason: "must not be empty"}
	}
	client, err := p.newS3(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bucket := cfg.BucketName

	created, err := p.ensureBucket(ctx, client, bucket, cfg.Region)
	if err != nil {
		return nil, p.fail(ctx, prof, "create bucket", bucket, err)
	}

	steps := []setupStep{
		{"enable versioning", func() error {
			_, err := client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
				Bucket:                  aws.String(bucket),
				VersioningConfiguration: &s3types.VersioningConfiguration{Status: s3types.BucketVersioningStatusEnabled},
			})
			return err
		}},
		{"enable encryption", func() error {
			_, err := client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
				Bucket: aws.String(bucket),
				ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
					Rules: []s3types.ServerSideEncryptionRule{{
						ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
							SSEAlgorithm: s3types.ServerSideEncryptionAes256,
						},
						BucketKeyEnabled: aws.Bool(true),
					}},
				},
			})
			return err
		}},
		{"block public access", func() error {
			_, err := client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
				Bucket: aws.String(bucket),
				PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
					BlockPublicAcls:       aws.Bool(true),
					IgnorePublicAcls:      aws.Bool(true),
					BlockPublicPolicy:     aws.Bool(true),
					RestrictPublicBuckets: aws.Bool(true),
				},
			})
			return err
		}},
		{"put bucket policy", func() error {
			policy, err := TLSOnlyBucketPolicy(bucket)
			if err != nil {
				return err
			}
			_, err = client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
				Bucket: aws.String(bucket),
				Policy: aws.String(policy),
			})
			return err
		}},
	}
	if lc.Enabled {
		steps = append(steps, setupStep{"put lifecycle", func() error {
			_, err := client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
				Bucket:                 aws.String(bucket),
				LifecycleConfiguration: lifecycleConfiguration(lc),
			})
			return err
		}})
	}
	for _, step := range steps {
		p.logger.DebugWithContext(ctx, "bucket setup step", "bucket", bucket, "step", step.action)
		if err := step.run(); err != nil {
			return nil, p.fail(ctx, prof, step.action, bucket, err)
		}
	}

	cfg.Lifecycle = lc
	prof.UpdatedAt = p.now().UTC()
	if err := p.store.SaveProfile(prof); err != nil {
		return nil, err
	}

	p.logger.Audit(ctx, logging.NewAuditEvent(logging.AdminAction, "set up bucket", logging.StatusSuccess).
		WithSubject(prof.SubjectID).
		WithResource(bucket).
		WithDetail("profile_id", prof.ID).
		WithDetail("created", created).
		WithDetail("lifecycle", lc.Enabled))
	return &BucketSetup{Bucket: bucket, Region: cfg.Region, Created: created, Lifecycle: lc}, nil
}

// ensureBucket creates bucket unless it already exists and is ours.
func (p *Provisioner) ensureBucket(ctx context.Context, client S3API, bucket, region string) (bool, error) {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return false, nil
	}
	if code := apiErrorCode(err); code != "NotFound" && code != "NoSuchBucket" {
		return false, err
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		switch apiErrorCode(err) {
		case "BucketAlreadyOwnedByYou":
			return false, nil
		case "BucketAlreadyExists":
			return false, &errors.ErrValidation{Field: "bucket_name", Reason: fmt.Sprintf("bucket %q is owned by another account", bucket)}
		}
		return false, err
	}
	p.logger.InfoWithContext(ctx, "bucket created", "bucket", bucket, "region", region)
	return true, nil
}

// ValidateLifecycle checks transition days against what S3 accepts.
func ValidateLifecycle(lc models.LifecycleConfig) error {
	if !lc.Enabled {
		return nil
	}
	if lc.DaysToIA < minDaysToIA {
		return &errors.ErrValidation{Field: "days_to_ia", Reason: fmt.Sprintf("must be at least %d", minDaysToIA)}
	}
	if glacierTransition(lc) && lc.DaysToGlacier < lc.DaysToIA+minDaysToIA {
		return &errors.ErrValidation{Field: "days_to_glacier", Reason: fmt.Sprintf("must be at least %d days after days_to_ia", minDaysToIA)}
	}
	return nil
}

func glacierTransition(lc models.LifecycleConfig) bool {
	return lc.DaysToGlacier > 0 && lc.DaysToGlacier < NeverToGlacier
}

func lifecycleConfiguration(lc models.LifecycleConfig) *s3types.BucketLifecycleConfiguration {
	transitions := []s3types.Transition{{
		Days:         aws.Int32(int32(lc.DaysToIA)),
		StorageClass: s3types.TransitionStorageClassStandardIa,
	}}
	if glacierTransition(lc) {
		transitions = append(transitions, s3types.Transition{
			Days:         aws.Int32(int32(lc.DaysToGlacier)),
			StorageClass: s3types.TransitionStorageClassGlacier,
		})
	}
	return &s3types.BucketLifecycleConfiguration{
		Rules: []s3types.LifecycleRule{{
			ID:          aws.String(lifecycleRuleID),
			Status:      s3types.ExpirationStatusEnabled,
			Filter:      &s3types.LifecycleRuleFilter{Prefix: aws.String("")},
			Transitions: transitions,
		}},
	}
}

type bucketPolicyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal string                       `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

// TLSOnlyBucketPolicy denies every request to bucket that is not made over
// TLS.
func TLSOnlyBucketPolicy(bucket string) (string, error) {
	bucketARN := "arn:aws:s3:::" + bucket
	doc := struct {
		Version   string                  `json:"Version"`
		Statement []bucketPolicyStatement `json:"Statement"`
	}{
		Version: "2012-10-17",
		Statement: []bucketPolicyStatement{{
			Sid:       "DenyInsecureConnections",
			Effect:    "Deny",
			Principal: "*",
			Action:    "s3:*",
			Resource:  []string{bucketARN, bucketARN + "/*"},
			Condition: map[string]map[string]string{
				"Bool": {"aws:SecureTransport": "false"},
			},
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
