// Package auth drives sign-in against the identity provider through a small
// challenge-response state machine.
package auth

import (
	"context"

	"github.com/cloudbackup/cloudbackup/internal/models"
)

// OutcomeKind is the provider's verdict for one round trip.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSecondFactorRequired
	OutcomeNewPasswordRequired
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSecondFactorRequired:
		return "second_factor_required"
	case OutcomeNewPasswordRequired:
		return "new_password_required"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Challenge is the provider state that has to be echoed back when answering
// a challenge.
type Challenge struct {
	Name     string
	Username string
	Token    string
}

// Outcome is returned by every IdentityProvider call that reached the
// provider. Transport failures are returned as errors instead.
type Outcome struct {
	Kind               OutcomeKind
	Session            *models.Session
	Challenge          Challenge
	RequiredAttributes []string
	Reason             string
}

func Success(s *models.Session) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Session: s}
}

func SecondFactorRequired(ch Challenge) *Outcome {
	return &Outcome{Kind: OutcomeSecondFactorRequired, Challenge: ch}
}

func NewPasswordRequired(ch Challenge, attrs []string) *Outcome {
	return &Outcome{Kind: OutcomeNewPasswordRequired, Challenge: ch, RequiredAttributes: attrs}
}

func Rejected(reason string) *Outcome {
	return &Outcome{Kind: OutcomeRejected, Reason: reason}
}

// IdentityProvider is the external identity service.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) (*Outcome, error)
	RespondSecondFactor(ctx context.Context, ch Challenge, code string) (*Outcome, error)
	RespondNewPassword(ctx context.Context, ch Challenge, newPassword string, attributes map[string]string) (*Outcome, error)
}
