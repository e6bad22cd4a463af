package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = bytes.Clone(value)
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

func TestAESVault_RoundTrip(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "API_TOKEN", []byte("tok-4f9a")))

	got, err := v.Resolve(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-4f9a"), got)
}

func TestAESVault_CiphertextAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	plain := []byte("hunter2-but-longer")
	require.NoError(t, v.Store(ctx, "PASSWORD", plain))

	raw := s.data["PASSWORD"]
	assert.NotContains(t, string(raw), "hunter2")
	assert.Greater(t, len(raw), len(plain), "nonce and GCM tag add overhead")
}

func TestAESVault_PassphraseKey(t *testing.T) {
	s := newMapStore()
	v, err := NewAESVault(s, VaultConfig{
		Passphrase: "correct horse battery staple",
		Salt:       []byte("per-install-salt"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "K", []byte("v")))
	got, err := v.Resolve(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestAESVault_WrongKeyFailsDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	keyA := make([]byte, 32)
	keyB := make([]byte, 32)
	keyB[0] = 0xFF

	va, err := NewAESVault(s, VaultConfig{MasterKey: keyA})
	require.NoError(t, err)
	require.NoError(t, va.Store(ctx, "S", []byte("hidden")))

	vb, err := NewAESVault(s, VaultConfig{MasterKey: keyB})
	require.NoError(t, err)
	_, err = vb.Resolve(ctx, "S")
	require.Error(t, err)
	var lerr *schema.LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, schema.ErrCodeVault, lerr.Code)
}

func TestAESVault_DeleteThenResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "K", []byte("v")))
	require.NoError(t, v.Delete(ctx, "K"))

	_, err := v.Resolve(ctx, "K")
	var lerr *schema.LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, schema.ErrCodeNotFound, lerr.Code)
}

func TestAESVault_ListKeys(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	for _, k := range []string{"A", "B", "C"} {
		require.NoError(t, v.Store(ctx, k, []byte(k)))
	}
	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, keys)
}

func TestAESVault_OverwriteReplaces(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "K", []byte("old")))
	require.NoError(t, v.Store(ctx, "K", []byte("new")))

	got, err := v.Resolve(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestAESVault_NonceFreshPerWrite(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "one", []byte("same-value")))
	first := bytes.Clone(s.data["one"])
	require.NoError(t, v.Store(ctx, "two", []byte("same-value")))

	assert.False(t, bytes.Equal(first, s.data["two"]),
		"identical plaintext must not produce identical ciphertext")
}

func TestAESVault_EmptyValue(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "EMPTY", nil))
	got, err := v.Resolve(ctx, "EMPTY")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAESVault_TruncatedCiphertext(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	s.data["BAD"] = []byte{0x01, 0x02}
	_, err := v.Resolve(ctx, "BAD")
	var lerr *schema.LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, schema.ErrCodeVault, lerr.Code)
}

func TestVaultConfig_Errors(t *testing.T) {
	cases := []struct {
		name string
		cfg  VaultConfig
	}{
		{"empty config", VaultConfig{}},
		{"short master key", VaultConfig{MasterKey: []byte("too-short")}},
		{"passphrase without salt", VaultConfig{Passphrase: "p"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(newMapStore(), tc.cfg)
			var lerr *schema.LoomError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, schema.ErrCodeVault, lerr.Code)
		})
	}
}
