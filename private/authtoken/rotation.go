package authtoken

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"
)

// KeyBits is the RSA modulus size generated on each rotation.
const KeyBits = 2048

// RotationInterval is how often Admin's key-rotation scheduler mints a new
// signing key (spec.md §6.2, §6.4 "jwt_rotation_interval_hours").
const RotationInterval = 24 * time.Hour

// OverlapWindow is how long a retired key remains valid for verification
// after a new key becomes current (spec.md §6.2 "25-hour overlap
// rotation").
const OverlapWindow = 25 * time.Hour

// KeyRing holds the signing key currently in use plus every key still
// inside its overlap window, and is the single source Admin's
// JWT-rotation scheduler mutates. Safe for concurrent use: Issuer/Verifier
// snapshots are read under lock and handed out as immutable values.
type KeyRing struct {
	mu       sync.Mutex
	tokenTTL time.Duration
	current  KeyVersion
	retired  []KeyVersion // still within their NotAfter overlap window
	nextSeq  int
}

// NewKeyRing seeds a KeyRing with an initial signing key. tokenTTL bounds
// the lifetime of tokens the Issuer mints.
func NewKeyRing(initial KeyVersion, tokenTTL time.Duration) *KeyRing {
	return &KeyRing{tokenTTL: tokenTTL, current: initial, nextSeq: 1}
}

// Issuer returns an Issuer signing with the ring's current key.
func (r *KeyRing) Issuer() *Issuer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return NewIssuer(r.current, r.tokenTTL)
}

// Verifier returns a Verifier snapshot accepting the current key plus
// every retired key still within its overlap window as of now.
func (r *KeyRing) Verifier(now time.Time) *Verifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]KeyVersion, 0, len(r.retired)+1)
	keys = append(keys, r.current)
	for _, k := range r.retired {
		if now.Before(k.NotAfter) {
			keys = append(keys, k)
		}
	}
	return NewVerifier(keys)
}

// Rotate generates a fresh RSA key and makes it current, retiring the
// previous current key with a NotAfter of now+OverlapWindow. Keys whose
// overlap window has already elapsed are dropped. Called daily by
// Admin's key-rotation scheduler (spec.md §5).
func (r *KeyRing) Rotate(now time.Time) error {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return Error.Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	retiring := r.current
	retiring.NotAfter = now.Add(OverlapWindow)
	retiring.PrivateKey = nil // retired keys verify only, never sign

	r.nextSeq++
	r.current = KeyVersion{
		KeyID:      fmt.Sprintf("key-%d", r.nextSeq),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		NotAfter:   now.Add(OverlapWindow),
	}

	live := r.retired[:0]
	for _, k := range r.retired {
		if now.Before(k.NotAfter) {
			live = append(live, k)
		}
	}
	r.retired = append(live, retiring)
	return nil
}

// CurrentKeyID reports the active signing key's ID, useful for logging on
// rotation.
func (r *KeyRing) CurrentKeyID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.KeyID
}
