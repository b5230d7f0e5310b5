package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wagate/internal/apperr"
	"wagate/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSecrets struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMemSecrets() *memSecrets {
	return &memSecrets{values: map[string]string{}}
}

func (m *memSecrets) GetSecret(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[name]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memSecrets) PutSecret(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *memSecrets) PutSecretIfAbsent(_ context.Context, name, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[name]; ok {
		return false, nil
	}
	m.values[name] = value
	return true, nil
}

func (m *memSecrets) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

func TestSigningSecret_Missing(t *testing.T) {
	s := NewStore(newMemSecrets())
	_, err := s.SigningSecret(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestEnsureSigningSecret(t *testing.T) {
	repo := newMemSecrets()
	s := NewStore(repo)
	ctx := context.Background()

	created, err := s.EnsureSigningSecret(ctx)
	require.NoError(t, err)
	assert.True(t, created)

	secret, err := s.SigningSecret(ctx)
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	created, err = s.EnsureSigningSecret(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	again, err := NewStore(repo).SigningSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, secret, again)
}

func TestSigningSecret_RepoError(t *testing.T) {
	repo := newMemSecrets()
	repo.err = errors.New("disk gone")
	_, err := NewStore(repo).SigningSecret(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestVendorCredentials(t *testing.T) {
	s := NewStore(newMemSecrets())
	ctx := context.Background()

	_, ok, err := s.VendorCredentials(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.SetVendorCredentials(ctx, 5, VendorCredentials{PhoneNumber: "+100"})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	require.NoError(t, s.SetVendorCredentials(ctx, 5, VendorCredentials{APIKey: "k-5", PhoneNumber: "+100"}))
	creds, ok, err := s.VendorCredentials(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "k-5", creds.APIKey)

	require.NoError(t, s.DeleteVendorCredentials(ctx, 5))
	_, ok, err = s.VendorCredentials(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}
