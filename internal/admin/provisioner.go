// Package admin provisions per-employee storage identities for
// administrator profiles.
package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/cloudbackup/cloudbackup/internal/credentials"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// PolicyName is the inline policy attached to every employee user.
const PolicyName = "BackupEmployeePolicy"

const maxUsernameLength = 64

// IAMAPI is the part of the IAM client used here.
type IAMAPI interface {
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	DeleteUserPolicy(ctx context.Context, params *iam.DeleteUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
}

// ClientFactory builds an IAM client signed with the administrator's keys.
type ClientFactory func(ctx context.Context, cfg *models.AWSConfig) (IAMAPI, error)

// Provisioner creates and removes employee users under an Admin profile
// and prepares the shared bucket they write to.
type Provisioner struct {
	store     store.Store
	newClient ClientFactory
	newS3     S3ClientFactory
	remote    string
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Provisioner)

func WithLogger(logger *logging.Logger) Option {
	return func(p *Provisioner) { p.logger = logger }
}

func WithClientFactory(f ClientFactory) Option {
	return func(p *Provisioner) { p.newClient = f }
}

func WithS3ClientFactory(f S3ClientFactory) Option {
	return func(p *Provisioner) { p.newS3 = f }
}

// WithRemote sets the remote name used in rendered employee configs.
func WithRemote(remote string) Option {
	return func(p *Provisioner) { p.remote = remote }
}

func NewProvisioner(st store.Store, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:     st,
		newClient: defaultClient,
		newS3:     defaultS3Client,
		remote:    "aws",
		logger:    logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// loadAWSConfig signs requests with the administrator's static keys.
func loadAWSConfig(ctx context.Context, cfg *models.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func defaultClient(ctx context.Context, cfg *models.AWSConfig) (IAMAPI, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(awsCfg), nil
}

// AddEmployee creates an IAM user confined to bucket/{username}/, gives it an
// access key and records it under the profile. A partially created user is
// removed again when a later step fails.
func (p *Provisioner) AddEmployee(ctx context.Context, profileID, name string) (*models.Employee, error) {
	prof, client, err := p.adminClient(ctx, profileID)
	if err != nil {
		return nil, err
	}
	username := Username(name)
	if username == "" {
		return nil, &errors.ErrValidation{Field: "name", Reason: "must contain letters or digits"}
	}
	policy, err := EmployeePolicy(prof.AWSConfig.BucketName, username)
	if err != nil {
		return nil, err
	}

	if _, err := client.CreateUser(ctx, &iam.CreateUserInput{UserName: aws.String(username)}); err != nil {
		if apiErrorCode(err) == "EntityAlreadyExists" {
			return nil, &errors.ErrValidation{Field: "name", Reason: fmt.Sprintf("storage user %q already exists", username)}
		}
		return nil, p.fail(ctx, prof, "create user", username, err)
	}

	_, err = client.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       aws.String(username),
		PolicyName:     aws.String(PolicyName),
		PolicyDocument: aws.String(policy),
	})
	if err != nil {
		p.rollback(ctx, client, username, false)
		return nil, p.fail(ctx, prof, "put user policy", username, err)
	}

	key, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: aws.String(username)})
	if err != nil || key.AccessKey == nil {
		if err == nil {
			err = stderrors.New("no access key returned")
		}
		p.rollback(ctx, client, username, true)
		return nil, p.fail(ctx, prof, "create access key", username, err)
	}

	emp := &models.Employee{
		ID:              uuid.New().String(),
		ProfileID:       prof.ID,
		Name:            strings.TrimSpace(name),
		Username:        username,
		AccessKeyID:     aws.ToString(key.AccessKey.AccessKeyId),
		SecretAccessKey: aws.ToString(key.AccessKey.SecretAccessKey),
		CreatedAt:       p.now().UTC(),
	}
	if err := p.store.SaveEmployee(emp); err != nil {
		return nil, err
	}
	if err := p.syncRoster(prof); err != nil {
		return nil, err
	}

	p.logger.Audit(ctx, logging.NewAuditEvent(logging.AdminAction, "add employee", logging.StatusSuccess).
		WithSubject(prof.SubjectID).
		WithResource(username).
		WithDetail("profile_id", prof.ID).
		WithDetail("access_key_id", logging.Redact(emp.AccessKeyID)))
	return emp, nil
}

// RemoveEmployee deletes the employee's access keys, policy and user, then
// the local record. Entities already gone on the provider side are skipped.
func (p *Provisioner) RemoveEmployee(ctx context.Context, employeeID string) error {
	emp, err := p.store.GetEmployee(employeeID)
	if err != nil {
		return err
	}
	prof, client, err := p.adminClient(ctx, emp.ProfileID)
	if err != nil {
		return err
	}

	if err := p.deleteUser(ctx, client, emp.Username); err != nil {
		return p.fail(ctx, prof, "remove employee", emp.Username, err)
	}
	if err := p.store.DeleteEmployee(emp.ID); err != nil {
		return err
	}
	if err := p.syncRoster(prof); err != nil {
		return err
	}

	p.logger.Audit(ctx, logging.NewAuditEvent(logging.AdminAction, "remove employee", logging.StatusSuccess).
		WithSubject(prof.SubjectID).
		WithResource(emp.Username).
		WithSeverity(logging.SeverityWarning).
		WithDetail("profile_id", prof.ID))
	return nil
}

// Employees lists the employees of an Admin profile.
func (p *Provisioner) Employees(profileID string) ([]*models.Employee, error) {
	return p.store.ListEmployees(profileID)
}

// EmployeeConfig renders a tool config for the employee and marks it as
// handed out.
func (p *Provisioner) EmployeeConfig(employeeID, region string) (string, error) {
	emp, err := p.store.GetEmployee(employeeID)
	if err != nil {
		return "", err
	}
	if region == "" {
		if prof, err := p.store.GetProfile(emp.ProfileID); err == nil && prof.AWSConfig != nil {
			region = prof.AWSConfig.Region
		}
	}
	if region == "" {
		return "", &errors.ErrValidation{Field: "region", Reason: "must not be empty"}
	}

	conf := credentials.RenderConfig(p.remote, emp.AccessKeyID, emp.SecretAccessKey, "", region)
	if !emp.RcloneConfigGenerated {
		emp.RcloneConfigGenerated = true
		if err := p.store.SaveEmployee(emp); err != nil {
			return "", err
		}
	}
	return conf, nil
}

// adminProfile loads an Admin profile whose keys and bucket are set.
func (p *Provisioner) adminProfile(profileID, operation string) (*models.Profile, error) {
	prof, err := p.store.GetProfile(profileID)
	if err != nil {
		return nil, err
	}
	if prof.Role != models.RoleAdmin {
		return nil, &errors.ErrInvalidState{State: string(prof.Role), Operation: operation}
	}
	cfg := prof.AWSConfig
	if cfg == nil || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, &errors.ErrValidation{Field: "aws_config", Reason: "administrator keys are not configured"}
	}
	if cfg.BucketName == "" {
		return nil, &errors.ErrValidation{Field: "aws_config.bucket_name", Reason: "must not be empty"}
	}
	return prof, nil
}

func (p *Provisioner) adminClient(ctx context.Context, profileID string) (*models.Profile, IAMAPI, error) {
	prof, err := p.adminProfile(profileID, "manage employees")
	if err != nil {
		return nil, nil, err
	}
	client, err := p.newClient(ctx, prof.AWSConfig)
	if err != nil {
		return nil, nil, err
	}
	return prof, client, nil
}

func (p *Provisioner) deleteUser(ctx context.Context, client IAMAPI, username string) error {
	keys, err := client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(username)})
	if err != nil && !isNoSuchEntity(err) {
		return err
	}
	if keys != nil {
		for _, k := range keys.AccessKeyMetadata {
			_, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{UserName: aws.String(username), AccessKeyId: k.AccessKeyId})
			if err != nil && !isNoSuchEntity(err) {
				return err
			}
		}
	}
	if _, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: aws.String(username), PolicyName: aws.String(PolicyName)}); err != nil && !isNoSuchEntity(err) {
		return err
	}
	if _, err := client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(username)}); err != nil && !isNoSuchEntity(err) {
		return err
	}
	return nil
}

func (p *Provisioner) rollback(ctx context.Context, client IAMAPI, username string, withPolicy bool) {
	if withPolicy {
		if _, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: aws.String(username), PolicyName: aws.String(PolicyName)}); err != nil && !isNoSuchEntity(err) {
			p.logger.WarnWithContext(ctx, "rollback: failed to delete policy", "username", username, "error", err)
		}
	}
	if _, err := client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(username)}); err != nil && !isNoSuchEntity(err) {
		p.logger.WarnWithContext(ctx, "rollback: failed to delete user", "username", username, "error", err)
	}
}

// syncRoster mirrors the employee list into the profile without secrets.
func (p *Provisioner) syncRoster(prof *models.Profile) error {
	emps, err := p.store.ListEmployees(prof.ID)
	if err != nil {
		return err
	}
	roster := make([]models.Employee, 0, len(emps))
	for _, e := range emps {
		c := *e
		c.SecretAccessKey = ""
		roster = append(roster, c)
	}
	prof.AWSConfig.Employees = roster
	prof.UpdatedAt = p.now().UTC()
	return p.store.SaveProfile(prof)
}

func (p *Provisioner) fail(ctx context.Context, prof *models.Profile, action, username string, err error) error {
	p.logger.Audit(ctx, logging.NewAuditEvent(logging.AdminAction, action, logging.StatusFailure).
		WithSubject(prof.SubjectID).
		WithResource(username).
		WithSeverity(logging.SeverityError).
		WithError(err))
	return fmt.Errorf("%s %s: %w", action, username, err)
}

// Username derives an IAM user name from a display name.
func Username(name string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', strings.ContainsRune("+=,.@_", r):
			sb.WriteRune(r)
			lastDash = false
		case r == '-' || r == ' ' || r == '\t':
			if sb.Len() > 0 && !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(sb.String(), "-")
	if len(out) > maxUsernameLength {
		out = strings.TrimRight(out[:maxUsernameLength], "-")
	}
	return out
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string                         `json:"Effect"`
	Action    []string                       `json:"Action"`
	Resource  []string                       `json:"Resource"`
	Condition map[string]map[string][]string `json:"Condition,omitempty"`
}

// EmployeePolicy returns the inline policy confining username to its own
// prefix of bucket.
func EmployeePolicy(bucket, username string) (string, error) {
	bucketARN := "arn:aws:s3:::" + bucket
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{bucketARN},
				Condition: map[string]map[string][]string{
					"StringLike": {"s3:prefix": {username + "/*", username}},
				},
			},
			{
				Effect: "Allow",
				Action: []string{
					"s3:GetObject",
					"s3:GetObjectVersion",
					"s3:PutObject",
					"s3:PutObjectAcl",
					"s3:DeleteObject",
					"s3:DeleteObjectVersion",
					"s3:AbortMultipartUpload",
					"s3:ListMultipartUploadParts",
				},
				Resource: []string{bucketARN + "/" + username + "/*", bucketARN + "/" + username},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNoSuchEntity(err error) bool {
	return apiErrorCode(err) == "NoSuchEntity"
}
