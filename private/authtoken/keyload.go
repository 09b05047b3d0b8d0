package authtoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"
)

// GenerateEphemeralKey mints a fresh RSA key pair valid until now+ttl.
// Used by a service's bootstrap when no PEM key material is configured
// (standalone/dev deployments); production deployments load a
// provisioned key via LoadPrivateKeyPEM/LoadPublicKeyPEM instead.
func GenerateEphemeralKey(keyID string, ttl time.Duration) (KeyVersion, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return KeyVersion{}, Error.Wrap(err)
	}
	return KeyVersion{
		KeyID:      keyID,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		NotAfter:   time.Now().Add(ttl),
	}, nil
}

// LoadPrivateKeyPEM reads a PKCS#1 or PKCS#8 RSA private key from path.
func LoadPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, Error.New("no PEM block found in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, Error.New("%s does not contain an RSA private key", path)
	}
	return rsaKey, nil
}

// LoadPublicKeyPEM reads a PKIX RSA public key from path.
func LoadPublicKeyPEM(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, Error.New("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, Error.New("%s does not contain an RSA public key", path)
	}
	return rsaKey, nil
}
