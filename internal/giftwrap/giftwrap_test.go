package giftwrap_test

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/giftwrap"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/pkg/kinds"
)

func welcomeRumor(sender keys.Identity, keyPackageID string) nostr.Event {
	rumor := nostr.Event{
		PubKey:    sender.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.Welcome),
		Tags:      nostr.Tags{{kinds.TagEvent, keyPackageID}},
		Content:   `{"group":"family"}`,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

func TestEncrypt_RoundTripForEveryCandidate(t *testing.T) {
	sender := keys.Generate()
	household, delegated := keys.Generate(), keys.Generate()
	ring, err := keys.NewKeyring(household.SecretKey, delegated.SecretKey)
	require.NoError(t, err)

	for _, recipient := range keys.Candidates(ring) {
		rumor := welcomeRumor(sender, "kp")
		wrap, err := giftwrap.Encrypt(rumor, sender.SecretKey, recipient.PublicKey)
		require.NoError(t, err)

		assert.Equal(t, int(kinds.GiftWrap), wrap.Kind)
		assert.Equal(t, recipient.PublicKey, kinds.TagValue(&wrap, kinds.TagPubKey))
		assert.NotEqual(t, sender.PublicKey, wrap.PubKey, "outer author is ephemeral")

		got, err := giftwrap.Unwrap(&wrap, recipient.SecretKey)
		require.NoError(t, err)
		assert.Equal(t, rumor.ID, got.ID)
		assert.Equal(t, rumor.Content, got.Content)
		assert.Equal(t, rumor.PubKey, got.PubKey)
		assert.Equal(t, rumor.Tags, got.Tags)

		opened, ok := giftwrap.UnwrapAny(&wrap, ring, nil)
		require.True(t, ok)
		assert.Equal(t, recipient.PublicKey, opened.Recipient.PublicKey)
		assert.Equal(t, rumor.ID, opened.Rumor.ID)
	}
}

func TestEncrypt_EphemeralKeyPerWrap(t *testing.T) {
	sender, recipient := keys.Generate(), keys.Generate()
	rumor := welcomeRumor(sender, "kp")

	w1, err := giftwrap.Encrypt(rumor, sender.SecretKey, recipient.PublicKey)
	require.NoError(t, err)
	w2, err := giftwrap.Encrypt(rumor, sender.SecretKey, recipient.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, w1.PubKey, w2.PubKey)
}

func TestSeal_FreshSaltPerCall(t *testing.T) {
	sender, recipient := keys.Generate(), keys.Generate()
	rumor := welcomeRumor(sender, "kp")

	s1, err := giftwrap.Seal(rumor, sender.SecretKey, recipient.PublicKey)
	require.NoError(t, err)
	s2, err := giftwrap.Seal(rumor, sender.SecretKey, recipient.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, s1.Content, s2.Content)
	assert.Equal(t, sender.PublicKey, s1.PubKey)
}

func TestUnwrap_WrongKeyIsNoMatch(t *testing.T) {
	sender, recipient, stranger := keys.Generate(), keys.Generate(), keys.Generate()
	wrap, err := giftwrap.Encrypt(welcomeRumor(sender, "kp"), sender.SecretKey, recipient.PublicKey)
	require.NoError(t, err)

	_, err = giftwrap.Unwrap(&wrap, stranger.SecretKey)
	assert.ErrorIs(t, err, giftwrap.ErrNoMatch)

	ring, err := keys.NewKeyring(stranger.SecretKey, keys.Generate().SecretKey)
	require.NoError(t, err)
	opened, ok := giftwrap.UnwrapAny(&wrap, ring, nil)
	assert.False(t, ok)
	assert.Nil(t, opened)
}

func TestUnwrap_NotGiftWrap(t *testing.T) {
	_, err := giftwrap.Unwrap(&nostr.Event{Kind: 1}, keys.Generate().SecretKey)
	assert.ErrorIs(t, err, giftwrap.ErrNotGiftWrap)
}

func TestKeyPackageIndex_Recipient(t *testing.T) {
	sender := keys.Generate()
	var kps []nostr.Event
	var owners []keys.Identity
	for i := 0; i < 4; i++ {
		owner := keys.Generate()
		ev := nostr.Event{CreatedAt: nostr.Now(), Kind: int(kinds.KeyPackage), Content: "kp", Tags: nostr.Tags{}}
		require.NoError(t, ev.Sign(owner.SecretKey))
		kps = append(kps, ev)
		owners = append(owners, owner)
	}
	idx := giftwrap.NewKeyPackageIndex(kps)

	for i := range kps {
		rumor := welcomeRumor(sender, kps[i].ID)
		pk, err := idx.Recipient(&rumor)
		require.NoError(t, err)
		assert.Equal(t, owners[i].PublicKey, pk)
	}

	unknown := welcomeRumor(sender, "not-indexed")
	_, err := idx.Recipient(&unknown)
	assert.ErrorIs(t, err, giftwrap.ErrUnresolvedRecipient)

	noRef := welcomeRumor(sender, "")
	noRef.Tags = nostr.Tags{}
	_, err = idx.Recipient(&noRef)
	assert.ErrorIs(t, err, giftwrap.ErrMissingKeyPackageRef)
}

func TestWrapWelcomes_AtomicOnUnresolved(t *testing.T) {
	sender, owner := keys.Generate(), keys.Generate()
	kp := nostr.Event{CreatedAt: nostr.Now(), Kind: int(kinds.KeyPackage), Content: "kp", Tags: nostr.Tags{}}
	require.NoError(t, kp.Sign(owner.SecretKey))
	idx := giftwrap.NewKeyPackageIndex([]nostr.Event{kp})

	good := welcomeRumor(sender, kp.ID)
	bad := welcomeRumor(sender, "missing")

	wraps, err := giftwrap.WrapWelcomes([]nostr.Event{good, bad}, idx, sender.SecretKey)
	assert.ErrorIs(t, err, giftwrap.ErrUnresolvedRecipient)
	assert.Nil(t, wraps)

	wraps, err = giftwrap.WrapWelcomes([]nostr.Event{good}, idx, sender.SecretKey)
	require.NoError(t, err)
	require.Len(t, wraps, 1)
	assert.Equal(t, owner.PublicKey, kinds.TagValue(&wraps[0], kinds.TagPubKey))
}
