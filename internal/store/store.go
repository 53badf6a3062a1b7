// Package store persists gateway users and donated upstream credentials.
// API keys are stored as hashes; credential material is encrypted at
// rest. The SQLite implementation lives in sqlite.go.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Token lifecycle states.
const (
	StatusActive  = "ACTIVE"
	StatusInvalid = "INVALID"
	StatusExpired = "EXPIRED"
)

// Token visibility: private tokens serve only their owner, public ones
// join the shared pool.
const (
	VisibilityPrivate = "PRIVATE"
	VisibilityPublic  = "PUBLIC"
)

// User is one gateway account, authenticated by an sk- API key.
type User struct {
	ID        int64
	Username  string
	Banned    bool
	CreatedAt time.Time
}

// DonatedToken is one contributed upstream credential. The credential
// material itself is stored encrypted and surfaced separately.
type DonatedToken struct {
	ID           int64
	OwnerUserID  int64
	Label        string
	AuthMethod   string
	Region       string
	ProfileArn   string
	Status       string
	Visibility   string
	SuccessCount int64
	FailureCount int64
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// SuccessRate reports the observed success ratio; tokens with no history
// score 1.0 so fresh donations are tried first.
func (t *DonatedToken) SuccessRate() float64 {
	total := t.SuccessCount + t.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(t.SuccessCount) / float64(total)
}

// Store is the persistence surface used by the API layer and the token
// allocator.
type Store interface {
	CreateUser(ctx context.Context, username string) (*User, string, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error)

	AddDonatedToken(ctx context.Context, token *DonatedToken, credentials []byte) (int64, error)
	GetTokenCredentials(ctx context.Context, tokenID int64) ([]byte, error)
	ListTokensForOwner(ctx context.Context, ownerID int64) ([]*DonatedToken, error)
	ListPublicActiveTokens(ctx context.Context) ([]*DonatedToken, error)

	UpdateTokenStatus(ctx context.Context, tokenID int64, status string) error
	RecordTokenResult(ctx context.Context, tokenID int64, success bool) error
	SetUserBanned(ctx context.Context, userID int64, banned bool) error

	Close() error
}

// HashAPIKey derives the stored form of an API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a fresh sk- key.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}
