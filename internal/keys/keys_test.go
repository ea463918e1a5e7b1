package keys_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/keys"
)

func TestKeyring_CandidatesOrder(t *testing.T) {
	h := keys.Generate()
	d1 := keys.Generate()
	d2 := keys.Generate()

	ring, err := keys.NewKeyring(h.SecretKey, d1.SecretKey, "", d2.SecretKey)
	require.NoError(t, err)

	got := keys.PublicKeys(ring)
	assert.Equal(t, []string{h.PublicKey, d1.PublicKey, d2.PublicKey}, got)

	signer, err := keys.Signer(ring)
	require.NoError(t, err)
	assert.Equal(t, h, signer)
}

func TestKeyring_NoHousehold(t *testing.T) {
	d := keys.Generate()
	ring, err := keys.NewKeyring("", d.SecretKey)
	require.NoError(t, err)

	_, err = keys.Signer(ring)
	assert.ErrorIs(t, err, keys.ErrNoHousehold)
	assert.Equal(t, []string{d.PublicKey}, keys.PublicKeys(ring))
}

func TestKeyring_InvalidSecret(t *testing.T) {
	_, err := keys.NewKeyring("zz")
	assert.ErrorIs(t, err, keys.ErrInvalidKey)
}

func TestKeyring_AddDelegatedDeduplicates(t *testing.T) {
	h := keys.Generate()
	ring, err := keys.NewKeyring(h.SecretKey)
	require.NoError(t, err)

	d := keys.Generate()
	ring.AddDelegated(d)
	ring.AddDelegated(d)
	ring.AddDelegated(h)

	assert.Len(t, ring.Delegated(), 1)
}
