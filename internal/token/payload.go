package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role values issued by the credential layer. The admin role guards the
// template and scheduled-task surfaces; the service role is what the record
// CRUD backend authenticates with when it posts notifications.
const (
	RoleStudent   = "student"
	RoleProfessor = "professor"
	RoleAdmin     = "admin"
	RoleService   = "service"
)

type Payload struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RecipientID is the authenticated caller's recipient id (the subject claim).
func (payload *Payload) RecipientID() string {
	return payload.Subject
}

func NewPayload(recipientID string, role string, duration time.Duration) (payload Payload, err error) {
	tokenID, err := uuid.NewRandom()
	if err != nil {
		return payload, fmt.Errorf("failed to generate tokenID: %w", err)
	}

	payload = Payload{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Issuer:    "mbc-dms",
			Subject:   recipientID,
			Audience:  jwt.ClaimStrings{"notification-service"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
		},
		Role: role,
	}

	return payload, nil
}
