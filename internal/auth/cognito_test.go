package auth

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCognito struct {
	mu sync.Mutex

	initiateOut *cip.InitiateAuthOutput
	initiateErr error
	respondOut  *cip.RespondToAuthChallengeOutput
	respondErr  error

	initiateIn *cip.InitiateAuthInput
	respondIn  *cip.RespondToAuthChallengeInput
}

func (f *fakeCognito) InitiateAuth(_ context.Context, in *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateIn = in
	return f.initiateOut, f.initiateErr
}

func (f *fakeCognito) RespondToAuthChallenge(_ context.Context, in *cip.RespondToAuthChallengeInput, _ ...func(*cip.Options)) (*cip.RespondToAuthChallengeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respondIn = in
	return f.respondOut, f.respondErr
}

func signedIDToken(t *testing.T, sub, email string, groups []string, exp time.Time) string {
	t.Helper()
	claims := idTokenClaims{
		Email:  email,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestSessionFromTokens(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	id := signedIDToken(t, "sub-123", "jane@acme.com", []string{"admins", "staff"}, exp)

	s, err := SessionFromTokens(id, "access", "refresh")
	require.NoError(t, err)
	assert.Equal(t, "sub-123", s.SubjectID)
	assert.Equal(t, "jane@acme.com", s.Email)
	assert.True(t, s.InGroup("admins"))
	assert.True(t, s.ExpiresAt.Equal(exp))
	assert.Equal(t, "refresh", s.RefreshToken)

	_, err = SessionFromTokens("not-a-jwt", "", "")
	assert.Error(t, err)
}

func TestCognitoAuthenticateSuccess(t *testing.T) {
	id := signedIDToken(t, "sub-1", "bob@acme.com", nil, time.Now().Add(time.Hour))
	api := &fakeCognito{initiateOut: &cip.InitiateAuthOutput{
		AuthenticationResult: &types.AuthenticationResultType{
			IdToken:      aws.String(id),
			AccessToken:  aws.String("access"),
			RefreshToken: aws.String("refresh"),
		},
	}}
	p := NewCognitoProvider(api, "client-1")

	out, err := p.Authenticate(context.Background(), "bob@acme.com", "pw")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "sub-1", out.Session.SubjectID)

	assert.Equal(t, types.AuthFlowTypeUserPasswordAuth, api.initiateIn.AuthFlow)
	assert.Equal(t, "client-1", aws.ToString(api.initiateIn.ClientId))
	assert.Equal(t, "bob@acme.com", api.initiateIn.AuthParameters["USERNAME"])
}

func TestCognitoNewPasswordChallenge(t *testing.T) {
	api := &fakeCognito{initiateOut: &cip.InitiateAuthOutput{
		ChallengeName: types.ChallengeNameTypeNewPasswordRequired,
		ChallengeParameters: map[string]string{
			"USER_ID_FOR_SRP":    "jane",
			"requiredAttributes": `["userAttributes.phone_number"]`,
		},
		Session: aws.String("session-1"),
	}}
	p := NewCognitoProvider(api, "client-1")

	out, err := p.Authenticate(context.Background(), "jane@acme.com", "Temp123!")
	require.NoError(t, err)
	require.Equal(t, OutcomeNewPasswordRequired, out.Kind)
	assert.Equal(t, []string{"phone_number"}, out.RequiredAttributes)
	assert.Equal(t, "jane", out.Challenge.Username)
	assert.Equal(t, "session-1", out.Challenge.Token)

	id := signedIDToken(t, "sub-jane", "jane@acme.com", nil, time.Now().Add(time.Hour))
	api.respondOut = &cip.RespondToAuthChallengeOutput{
		AuthenticationResult: &types.AuthenticationResultType{IdToken: aws.String(id)},
	}
	out, err = p.RespondNewPassword(context.Background(), out.Challenge, "longenough1", map[string]string{"phone_number": "+15551234567"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)

	in := api.respondIn
	assert.Equal(t, types.ChallengeNameTypeNewPasswordRequired, in.ChallengeName)
	assert.Equal(t, "longenough1", in.ChallengeResponses["NEW_PASSWORD"])
	assert.Equal(t, "+15551234567", in.ChallengeResponses["userAttributes.phone_number"])
	assert.Equal(t, "session-1", aws.ToString(in.Session))
}

func TestCognitoSecondFactor(t *testing.T) {
	api := &fakeCognito{initiateOut: &cip.InitiateAuthOutput{
		ChallengeName: types.ChallengeNameTypeSoftwareTokenMfa,
		Session:       aws.String("s"),
	}}
	p := NewCognitoProvider(api, "client-1")

	out, err := p.Authenticate(context.Background(), "bob", "pw")
	require.NoError(t, err)
	require.Equal(t, OutcomeSecondFactorRequired, out.Kind)

	api.respondErr = &smithy.GenericAPIError{Code: "CodeMismatchException", Message: "Invalid code"}
	out, err = p.RespondSecondFactor(context.Background(), out.Challenge, "000000")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "Invalid code", out.Reason)
	assert.Equal(t, "000000", api.respondIn.ChallengeResponses["SOFTWARE_TOKEN_MFA_CODE"])
}

func TestCognitoErrorClassification(t *testing.T) {
	api := &fakeCognito{initiateErr: &smithy.GenericAPIError{Code: "NotAuthorizedException", Message: "Incorrect username or password."}}
	p := NewCognitoProvider(api, "client-1")

	out, err := p.Authenticate(context.Background(), "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)

	throttled := &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	api.initiateErr = throttled
	_, err = p.Authenticate(context.Background(), "bob", "pw")
	var apiErr smithy.APIError
	require.True(t, stderrors.As(err, &apiErr))
	assert.Equal(t, "TooManyRequestsException", apiErr.ErrorCode())
}

func TestParseRequiredAttributes(t *testing.T) {
	attrs, err := parseRequiredAttributes(`["userAttributes.phone_number","userAttributes.name"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"phone_number", "name"}, attrs)

	attrs, err = parseRequiredAttributes("")
	require.NoError(t, err)
	assert.Empty(t, attrs)

	_, err = parseRequiredAttributes("{")
	assert.Error(t, err)
}
