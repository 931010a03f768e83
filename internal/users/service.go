package users

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidEmail indicates the contact email was empty after normalization.
var ErrInvalidEmail = errors.New("users: invalid email")

const placeholderCredentialBytes = 24

// IDProvider issues identifiers for newly created accounts.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service resolves contact emails to accounts, creating unclaimed placeholder
// accounts for first-time submitters.
type Service struct {
	now   func() time.Time
	newID IDProvider
}

// NewService constructs the account resolution service.
func NewService(cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = NewUUIDProvider()
	}
	return &Service{now: clock, newID: provider}
}

// ResolveRequest carries the contact fields supplied with a lead submission.
type ResolveRequest struct {
	Email       string
	DisplayName string
	Phone       string
}

// Resolution reports the account a submission was attributed to and whether it
// was created by this call.
type Resolution struct {
	Account Account
	Created bool
}

// Resolve returns the account for the given email, creating an unclaimed account with
// an unusable placeholder credential when none exists. The person claims the account
// later through the onboarding flow, which replaces the credential and clears the flag.
//
// Resolve runs against the provided handle so it can participate in the caller's
// transaction; a returning email always maps to the same account.
func (s *Service) Resolve(tx *gorm.DB, request ResolveRequest) (Resolution, error) {
	email := normalizeEmail(request.Email)
	if email == "" {
		return Resolution{}, ErrInvalidEmail
	}

	var existing Account
	err := tx.Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return Resolution{Account: existing, Created: false}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolution{}, err
	}

	accountID, idErr := s.newID.NewID()
	if idErr != nil {
		return Resolution{}, idErr
	}
	credential, credentialErr := placeholderCredential()
	if credentialErr != nil {
		return Resolution{}, credentialErr
	}

	account := Account{
		ID:          accountID,
		Email:       email,
		DisplayName: request.DisplayName,
		Phone:       request.Phone,
		Credential:  credential,
		Unclaimed:   true,
		CreatedAt:   s.now().UTC(),
	}
	if createErr := tx.Create(&account).Error; createErr != nil {
		return Resolution{}, createErr
	}

	return Resolution{Account: account, Created: true}, nil
}

// placeholderCredential returns a random value that no login flow accepts as a
// password. The unclaimed flag, not the credential shape, is what downstream auth
// checks; the prefix just makes the rows self-describing.
func placeholderCredential() (string, error) {
	buf := make([]byte, placeholderCredentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("users: credential generation failed: %w", err)
	}
	return "unclaimed$" + hex.EncodeToString(buf), nil
}
