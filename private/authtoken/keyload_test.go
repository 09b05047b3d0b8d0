package authtoken_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/private/authtoken"
)

func TestGenerateEphemeralKey(t *testing.T) {
	key, err := authtoken.GenerateEphemeralKey("key-ephemeral", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "key-ephemeral", key.KeyID)
	require.NotNil(t, key.PrivateKey)
	require.NotNil(t, key.PublicKey)
}

func TestLoadPrivateAndPublicKeyPEM(t *testing.T) {
	key, err := authtoken.GenerateEphemeralKey("key-pem", time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	privBytes := x509.MarshalPKCS1PrivateKey(key.PrivateKey)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}), 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	loadedPriv, err := authtoken.LoadPrivateKeyPEM(privPath)
	require.NoError(t, err)
	require.Equal(t, key.PrivateKey.D, loadedPriv.D)

	loadedPub, err := authtoken.LoadPublicKeyPEM(pubPath)
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.N, loadedPub.N)
}
