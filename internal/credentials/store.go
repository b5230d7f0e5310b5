// Package credentials keeps the gateway signing secret and per-vendor
// gateway credentials in the state database.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"wagate/internal/apperr"
	"wagate/internal/domain"
)

const signingSecretName = "gateway_signing_secret"

// VendorCredentials are the gateway credentials a vendor registered with.
type VendorCredentials struct {
	APIKey      string `json:"api_key"`
	PhoneNumber string `json:"phone_number"`
}

type Store struct {
	repo domain.SecretRepository

	mu     sync.RWMutex
	secret string
}

func NewStore(repo domain.SecretRepository) *Store {
	return &Store{repo: repo}
}

// SigningSecret returns the secret used to sign token assertions.
// A missing secret is a configuration error.
func (s *Store) SigningSecret(ctx context.Context) (string, error) {
	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()
	if secret != "" {
		return secret, nil
	}

	secret, err := s.repo.GetSecret(ctx, signingSecretName)
	if errors.Is(err, domain.ErrNotFound) {
		return "", apperr.Wrap(apperr.KindConfiguration, err, "gateway signing secret is not configured")
	}
	if err != nil {
		return "", fmt.Errorf("load signing secret: %w", err)
	}

	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	return secret, nil
}

// EnsureSigningSecret generates the signing secret unless one exists and
// reports whether it created it.
func (s *Store) EnsureSigningSecret(ctx context.Context) (bool, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, apperr.Wrap(apperr.KindConfiguration, err, "cannot generate signing secret")
	}
	created, err := s.repo.PutSecretIfAbsent(ctx, signingSecretName, hex.EncodeToString(buf))
	if err != nil {
		return false, fmt.Errorf("store signing secret: %w", err)
	}
	if _, err := s.SigningSecret(ctx); err != nil {
		return created, err
	}
	return created, nil
}

func vendorKey(vendorID int64) string {
	return "vendor:" + strconv.FormatInt(vendorID, 10)
}

// VendorCredentials returns the credentials of vendorID. ok is false when
// none were registered.
func (s *Store) VendorCredentials(ctx context.Context, vendorID int64) (VendorCredentials, bool, error) {
	raw, err := s.repo.GetSecret(ctx, vendorKey(vendorID))
	if errors.Is(err, domain.ErrNotFound) {
		return VendorCredentials{}, false, nil
	}
	if err != nil {
		return VendorCredentials{}, false, fmt.Errorf("load vendor credentials: %w", err)
	}
	var creds VendorCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return VendorCredentials{}, false, fmt.Errorf("decode vendor credentials: %w", err)
	}
	return creds, true, nil
}

func (s *Store) SetVendorCredentials(ctx context.Context, vendorID int64, creds VendorCredentials) error {
	if creds.APIKey == "" {
		return apperr.New(apperr.KindInvalidRequest, "api_key is required")
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode vendor credentials: %w", err)
	}
	return s.repo.PutSecret(ctx, vendorKey(vendorID), string(raw))
}

func (s *Store) DeleteVendorCredentials(ctx context.Context, vendorID int64) error {
	return s.repo.DeleteSecret(ctx, vendorKey(vendorID))
}
