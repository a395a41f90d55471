package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"

	"github.com/cloudbackup/cloudbackup/internal/config"
)

// CognitoAPI is the part of the Cognito user pool client the provider uses.
type CognitoAPI interface {
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	RespondToAuthChallenge(ctx context.Context, params *cip.RespondToAuthChallengeInput, optFns ...func(*cip.Options)) (*cip.RespondToAuthChallengeOutput, error)
}

const userAttributePrefix = "userAttributes."

// Provider error codes that mean "the answer was wrong" rather than "the
// call failed".
var rejectedCodes = map[string]bool{
	"NotAuthorizedException":    true,
	"UserNotFoundException":     true,
	"UserNotConfirmedException": true,
	"CodeMismatchException":     true,
	"ExpiredCodeException":      true,
	"InvalidPasswordException":  true,
	"InvalidParameterException": true,
}

// CognitoProvider signs users in against a Cognito user pool with the
// USER_PASSWORD_AUTH flow.
type CognitoProvider struct {
	api      CognitoAPI
	clientID string
}

func NewCognitoProvider(api CognitoAPI, clientID string) *CognitoProvider {
	return &CognitoProvider{api: api, clientID: clientID}
}

// NewCognitoProviderFromConfig builds an unauthenticated user pool client for
// the configured region.
func NewCognitoProviderFromConfig(ctx context.Context, cfg config.IdentityConfig) (*CognitoProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCognitoProvider(cip.NewFromConfig(awsCfg), cfg.ClientID), nil
}

func (p *CognitoProvider) Authenticate(ctx context.Context, username, password string) (*Outcome, error) {
	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return rejectedOr(err)
	}
	return p.outcome(username, out.AuthenticationResult, out.ChallengeName, out.ChallengeParameters, out.Session)
}

func (p *CognitoProvider) RespondSecondFactor(ctx context.Context, ch Challenge, code string) (*Outcome, error) {
	codeKey := "SMS_MFA_CODE"
	if ch.Name == string(types.ChallengeNameTypeSoftwareTokenMfa) {
		codeKey = "SOFTWARE_TOKEN_MFA_CODE"
	}
	return p.respond(ctx, ch, map[string]string{
		"USERNAME": ch.Username,
		codeKey:    code,
	})
}

func (p *CognitoProvider) RespondNewPassword(ctx context.Context, ch Challenge, newPassword string, attributes map[string]string) (*Outcome, error) {
	responses := map[string]string{
		"USERNAME":     ch.Username,
		"NEW_PASSWORD": newPassword,
	}
	for name, value := range attributes {
		if strings.TrimSpace(value) == "" {
			continue
		}
		responses[userAttributePrefix+name] = value
	}
	return p.respond(ctx, ch, responses)
}

func (p *CognitoProvider) respond(ctx context.Context, ch Challenge, responses map[string]string) (*Outcome, error) {
	out, err := p.api.RespondToAuthChallenge(ctx, &cip.RespondToAuthChallengeInput{
		ClientId:           aws.String(p.clientID),
		ChallengeName:      types.ChallengeNameType(ch.Name),
		ChallengeResponses: responses,
		Session:            aws.String(ch.Token),
	})
	if err != nil {
		return rejectedOr(err)
	}
	return p.outcome(ch.Username, out.AuthenticationResult, out.ChallengeName, out.ChallengeParameters, out.Session)
}

func (p *CognitoProvider) outcome(username string, result *types.AuthenticationResultType, name types.ChallengeNameType, params map[string]string, session *string) (*Outcome, error) {
	if result != nil {
		s, err := SessionFromTokens(aws.ToString(result.IdToken), aws.ToString(result.AccessToken), aws.ToString(result.RefreshToken))
		if err != nil {
			return nil, err
		}
		return Success(s), nil
	}

	ch := Challenge{Name: string(name), Username: username, Token: aws.ToString(session)}
	if id := params["USER_ID_FOR_SRP"]; id != "" {
		ch.Username = id
	}

	switch name {
	case types.ChallengeNameTypeSmsMfa, types.ChallengeNameTypeSoftwareTokenMfa:
		return SecondFactorRequired(ch), nil
	case types.ChallengeNameTypeNewPasswordRequired:
		attrs, err := parseRequiredAttributes(params["requiredAttributes"])
		if err != nil {
			return nil, err
		}
		return NewPasswordRequired(ch, attrs), nil
	default:
		return nil, fmt.Errorf("unsupported identity provider challenge %q", name)
	}
}

// parseRequiredAttributes reads the JSON array Cognito sends with
// NEW_PASSWORD_REQUIRED, e.g. ["userAttributes.phone_number"].
func parseRequiredAttributes(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("parse required attributes: %w", err)
	}
	attrs := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimPrefix(n, userAttributePrefix); n != "" {
			attrs = append(attrs, n)
		}
	}
	return attrs, nil
}

func rejectedOr(err error) (*Outcome, error) {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && rejectedCodes[apiErr.ErrorCode()] {
		return Rejected(apiErr.ErrorMessage()), nil
	}
	return nil, err
}

var _ IdentityProvider = (*CognitoProvider)(nil)
