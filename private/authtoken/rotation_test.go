package authtoken_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/private/authtoken"
)

func TestKeyRingRotateKeepsOverlapValid(t *testing.T) {
	initial, _ := genKey(t, "key-0", time.Now().Add(authtoken.OverlapWindow))
	ring := authtoken.NewKeyRing(initial, time.Hour)

	oldIssuer := ring.Issuer()
	token, err := oldIssuer.Issue("svc", authtoken.SubjectServiceAccount, authtoken.RoleUser)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, ring.Rotate(now))
	require.NotEqual(t, "key-0", ring.CurrentKeyID())

	// A token signed by the just-retired key must still verify inside the
	// overlap window.
	verifier := ring.Verifier(now.Add(time.Minute))
	_, err = verifier.Verify(token)
	require.NoError(t, err)
}

func TestKeyRingRotateDropsExpiredRetiredKeys(t *testing.T) {
	initial, _ := genKey(t, "key-0", time.Now().Add(authtoken.OverlapWindow))
	ring := authtoken.NewKeyRing(initial, time.Hour)

	now := time.Now()
	require.NoError(t, ring.Rotate(now))

	// Long after the overlap window has elapsed, only the current key
	// should remain.
	future := now.Add(authtoken.OverlapWindow * 2)
	verifier := ring.Verifier(future)

	oldIssuer := authtoken.NewIssuer(initial, time.Hour)
	token, err := oldIssuer.Issue("svc", authtoken.SubjectServiceAccount, authtoken.RoleUser)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestKeyRingIssuerSignsWithCurrentKey(t *testing.T) {
	initial, _ := genKey(t, "key-0", time.Now().Add(authtoken.OverlapWindow))
	ring := authtoken.NewKeyRing(initial, time.Hour)
	require.NoError(t, ring.Rotate(time.Now()))

	token, err := ring.Issuer().Issue("svc", authtoken.SubjectServiceAccount, authtoken.RoleAdmin)
	require.NoError(t, err)

	claims, err := ring.Verifier(time.Now()).Verify(token)
	require.NoError(t, err)
	require.Equal(t, authtoken.RoleAdmin, claims.Role)
}
