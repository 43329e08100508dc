package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateFromEnv(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	hexSeed := hex.EncodeToString(seed)

	t.Setenv(SecretEnvVar, hexSeed)

	priv, err := LoadOrGenerate(false)
	require.NoError(t, err)
	require.NotNil(t, priv)

	raw, err := priv.Raw()
	require.NoError(t, err)
	require.Equal(t, seed, raw[:ed25519.SeedSize])
}

func TestLoadOrGenerateMalformedEnvFallsBack(t *testing.T) {
	t.Setenv(SecretEnvVar, "not-hex-at-all")

	priv, err := LoadOrGenerate(false)
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestLoadOrGenerateWithoutEnvProducesDistinctKeys(t *testing.T) {
	require.NoError(t, os.Unsetenv(SecretEnvVar))

	a, err := LoadOrGenerate(false)
	require.NoError(t, err)
	b, err := LoadOrGenerate(false)
	require.NoError(t, err)

	rawA, _ := a.Raw()
	rawB, _ := b.Raw()
	require.NotEqual(t, rawA, rawB)
}

func TestHostnameNeverEmpty(t *testing.T) {
	require.NotEmpty(t, Hostname())
}

func TestDeviceModelIncludesOSAndArch(t *testing.T) {
	m := DeviceModel()
	require.Contains(t, m, "/")
}

func TestNewFingerprintIsUnique(t *testing.T) {
	a := NewFingerprint()
	b := NewFingerprint()
	require.NotEqual(t, a, b)
}
