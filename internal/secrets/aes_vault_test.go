package secrets

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyard/runloom/pkg/schema"
)

// mapStore is a simple in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "credential/cred_1", []byte(`{"username":"u","password":"p"}`)))

	val, err := v.Resolve(ctx, "credential/cred_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"u","password":"p"}`, string(val))
}

func TestAESVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "aws/token", []byte("plaintext-value")))

	// Raw bytes in store should NOT be plaintext.
	raw := s.data["aws/token"]
	assert.NotEqual(t, []byte("plaintext-value"), raw)
	assert.Greater(t, len(raw), len("plaintext-value"))
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	s := newMapStore()
	v, err := NewAESVault(s, VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, _ := NewAESVault(s, VaultConfig{MasterKey: key1})
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, _ := NewAESVault(s, VaultConfig{MasterKey: key2})
	_, err := v2.Resolve(ctx, "secret")
	require.Error(t, err)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k1", []byte("same-value")))
	ct1 := make([]byte, len(s.data["k1"]))
	copy(ct1, s.data["k1"])

	require.NoError(t, v.Store(ctx, "k2", []byte("same-value")))
	ct2 := s.data["k2"]

	// Same plaintext must produce different ciphertext (random nonce).
	assert.False(t, bytes.Equal(ct1, ct2))
}

func TestAESVault_InvalidKeyLength(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{MasterKey: []byte("too-short")})
	require.Error(t, err)
	var rlErr *schema.RunloomError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, schema.ErrCodeSecretResolution, rlErr.Code)
}

func TestAESVault_NoKeyOrPassphrase(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{})
	require.Error(t, err)
}

func TestAESVault_PassphraseWithoutSalt(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{Passphrase: "pass"})
	require.Error(t, err)
}

func TestVaultResolverProducesRedactedHandle(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "credential/cred_9", []byte("hunter2")))

	resolver := NewVaultResolver(v)
	handle, err := resolver.ResolveCredential(ctx, schema.Parameter{
		Type: schema.ParameterTypeCredential, Key: "login", CredentialID: "cred_9",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(handle.Token, "secret_"))
	assert.Equal(t, []byte("hunter2"), handle.Reveal())

	data, err := handle.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2", "serialized handles never leak material")
	assert.Contains(t, string(data), handle.Token)
}

func TestVaultResolverKeyPerVariant(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "aws/prod/api_key", []byte("aws-material")))
	require.NoError(t, v.Store(ctx, "bitwarden/login/item_1", []byte("bw-material")))

	resolver := NewVaultResolver(v)

	h, err := resolver.ResolveCredential(ctx, schema.Parameter{
		Type: schema.ParameterTypeAWSSecret, Key: "aws", AWSKey: "prod/api_key",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("aws-material"), h.Reveal())

	h, err = resolver.ResolveCredential(ctx, schema.Parameter{
		Type: schema.ParameterTypeBitwardenLoginCredential, Key: "bw", BitwardenItemID: "item_1",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("bw-material"), h.Reveal())
}

func TestVaultResolverMissingSecret(t *testing.T) {
	v, _ := testVault(t)
	resolver := NewVaultResolver(v)

	_, err := resolver.ResolveCredential(context.Background(), schema.Parameter{
		Type: schema.ParameterTypeCredential, Key: "login", CredentialID: "cred_missing",
	})
	require.Error(t, err)
	var rlErr *schema.RunloomError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, schema.ErrCodeSecretResolution, rlErr.Code)
}

func TestVaultResolverRejectsNonCredentialParameter(t *testing.T) {
	v, _ := testVault(t)
	resolver := NewVaultResolver(v)

	_, err := resolver.ResolveCredential(context.Background(), schema.Parameter{
		Type: schema.ParameterTypeWorkflow, Key: "plain",
	})
	require.Error(t, err)
}
