package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// STSAPI is the part of the STS client used here.
type STSAPI interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STSExchanger trades an identity token for a federated credential with
// AssumeRoleWithWebIdentity.
type STSExchanger struct {
	api         STSAPI
	roleARN     string
	sessionName string
	duration    time.Duration
}

func NewSTSExchanger(api STSAPI, roleARN, sessionName string, duration time.Duration) *STSExchanger {
	return &STSExchanger{api: api, roleARN: roleARN, sessionName: sessionName, duration: duration}
}

// NewSTSExchangerFromConfig builds an exchanger with an unsigned STS client;
// AssumeRoleWithWebIdentity is authorized by the token itself.
func NewSTSExchangerFromConfig(ctx context.Context, cfg config.FederationConfig) (*STSExchanger, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSTSExchanger(sts.NewFromConfig(awsCfg), cfg.RoleARN, cfg.SessionName, cfg.Duration), nil
}

func (e *STSExchanger) Exchange(ctx context.Context, identityToken string) (*models.FederatedCredential, error) {
	in := &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(e.roleARN),
		RoleSessionName:  aws.String(e.sessionName),
		WebIdentityToken: aws.String(identityToken),
	}
	if e.duration > 0 {
		in.DurationSeconds = aws.Int32(int32(e.duration / time.Second))
	}
	out, err := e.api.AssumeRoleWithWebIdentity(ctx, in)
	if err != nil {
		return nil, err
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("sts returned no credentials")
	}
	return &models.FederatedCredential{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// Validator checks that a storage credential is accepted by AWS.
type Validator struct {
	newClient func(cfg aws.Config) STSAPI
}

func NewValidator() *Validator {
	return &Validator{newClient: func(cfg aws.Config) STSAPI { return sts.NewFromConfig(cfg) }}
}

// Validate calls GetCallerIdentity with the given keys and returns the ARN
// they resolve to.
func (v *Validator) Validate(ctx context.Context, accessKeyID, secretAccessKey, sessionToken, region string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)),
	)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	out, err := v.newClient(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Arn), nil
}
