package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyBits = 2048

func TestGetOrCreate_PersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()

	first, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)
	assert.NotEmpty(t, first.UUID)

	again, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.UUID, again.UUID)
	assert.Equal(t, first.Fingerprint(), again.Fingerprint())
}

func TestGetOrCreate_PrivateKeyPermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(privateKeyPerms), info.Mode().Perm())

	pub, err := os.ReadFile(filepath.Join(dir, pubKeyFileName))
	require.NoError(t, err)
	_, err = ParsePublicKeyPEM(pub)
	assert.NoError(t, err)
}

func TestGetOrCreate_CorruptKeyRegenerates(t *testing.T) {
	dir := t.TempDir()
	first, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFileName), []byte("garbage"), privateKeyPerms))

	second, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)

	third, err := NewStore(dir, testKeyBits).GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, second.UUID, third.UUID)
}

func TestRegenerate(t *testing.T) {
	s := NewStore(t.TempDir(), testKeyBits)
	first, err := s.GetOrCreate()
	require.NoError(t, err)

	second, err := s.Regenerate()
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)

	current, err := s.GetOrCreate()
	require.NoError(t, err)
	assert.Equal(t, second.UUID, current.UUID)
}

func TestSignVerify(t *testing.T) {
	id, err := NewStore(t.TempDir(), testKeyBits).GetOrCreate()
	require.NoError(t, err)

	payload := []byte(`{"agent":"a1"}`)
	sig, err := id.Sign(payload)
	require.NoError(t, err)

	assert.True(t, Verify(payload, sig, id.PublicKey()))
	assert.False(t, Verify([]byte(`{"agent":"a2"}`), sig, id.PublicKey()))
	assert.False(t, Verify(payload, sig, nil))

	other, err := NewStore(t.TempDir(), testKeyBits).GetOrCreate()
	require.NoError(t, err)
	assert.False(t, Verify(payload, sig, other.PublicKey()))
}

func TestBundleRoundTrip(t *testing.T) {
	id, err := NewStore(t.TempDir(), testKeyBits).GetOrCreate()
	require.NoError(t, err)

	bundle, err := id.SignBundle(BundleClaims{
		ParentAPIURL: "http://192.168.1.10:8420",
		TrustToken:   "pat_abc",
		ChildID:      "child-1",
		Platform:     "windows",
	}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := VerifyBundle(bundle, id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.UUID, claims.Issuer)
	assert.Equal(t, "pat_abc", claims.TrustToken)
	assert.Equal(t, "child-1", claims.ChildID)
}

func TestVerifyBundle_Rejects(t *testing.T) {
	id, err := NewStore(t.TempDir(), testKeyBits).GetOrCreate()
	require.NoError(t, err)
	other, err := NewStore(t.TempDir(), testKeyBits).GetOrCreate()
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		bundle, err := id.SignBundle(BundleClaims{TrustToken: "pat_x"}, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		_, err = VerifyBundle(bundle, id.PublicKey())
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("wrong key", func(t *testing.T) {
		bundle, err := id.SignBundle(BundleClaims{TrustToken: "pat_x"}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = VerifyBundle(bundle, other.PublicKey())
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})
}
