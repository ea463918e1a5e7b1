package share_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/engine/memengine"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/internal/relay/relaytest"
	"github.com/relves/familysync/internal/share"
	"github.com/relves/familysync/pkg/kinds"
	"github.com/relves/familysync/pkg/payload"
)

const (
	relayA = "wss://a.test"
	relayB = "wss://b.test"
)

var fixedNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	net       *relaytest.Network
	eng       *engine.Serial
	household keys.Identity
	group     engine.GroupID
	pub       *share.Publisher
}

func newFixture(t *testing.T, provider keys.Provider) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{net: relaytest.NewNetwork(relayA, relayB), household: keys.Generate()}

	pool := relay.NewPool(relay.PoolConfig{URLs: []string{relayA, relayB}, Dialer: f.net, DialBackoff: time.Millisecond})
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Disconnect() })

	f.eng = engine.NewSerial(memengine.New(), nil)
	t.Cleanup(func() { _ = f.eng.Close() })

	bob := keys.Generate()
	content, tags, err := memengine.New().CreateKeyPackage(bob.PublicKey, nil)
	require.NoError(t, err)
	kp := nostr.Event{CreatedAt: nostr.Now(), Kind: int(kinds.KeyPackage), Tags: tags, Content: content}
	require.NoError(t, kp.Sign(bob.SecretKey))
	res, err := f.eng.CreateGroup(ctx, f.household.PublicKey, []nostr.Event{kp}, engine.GroupConfig{Relays: []string{relayA}})
	require.NoError(t, err)
	f.group = res.Group.ID

	if provider == nil {
		ring, err := keys.NewKeyring(f.household.SecretKey)
		require.NoError(t, err)
		provider = ring
	}
	transport := relay.New(relay.Config{Pool: pool, Engine: f.eng, Keys: provider})
	f.pub = share.NewPublisher(share.Config{
		Engine:    f.eng,
		Transport: transport,
		Keys:      provider,
		Now:       func() time.Time { return fixedNow },
	})
	return f
}

func testDescriptor() payload.ShareDescriptor {
	return payload.ShareDescriptor{
		ItemID:     "V1",
		Blob:       payload.Locator{URL: "https://blobs.test/v1", MIME: "video/mp4", Length: 1024},
		Encryption: payload.Encryption{Algorithm: "aes-gcm", Nonce: "00", Key: "k"},
	}
}

func TestPublisher_ShareUsesGroupRelays(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.pub.Share(ctx, f.group, testDescriptor(), nil)
	require.NoError(t, err)
	assert.Equal(t, f.group, res.GroupID)
	assert.Equal(t, int(kinds.GroupMessage), res.Event.Kind)

	require.Len(t, f.net.Relay(relayA).Events(), 1)
	assert.Equal(t, res.Event.ID, f.net.Relay(relayA).Events()[0].ID)
	assert.Empty(t, f.net.Relay(relayB).Events())

	msgs, err := f.eng.Messages(ctx, f.group)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int(kinds.Share), msgs[0].Event.Kind)
	assert.Equal(t, "V1", kinds.TagValue(&msgs[0].Event, kinds.TagEvent))

	var d payload.ShareDescriptor
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Event.Content), &d))
	assert.Equal(t, f.household.PublicKey, d.Signer)
	assert.Equal(t, f.household.PublicKey, d.Owner)
	assert.Equal(t, fixedNow.Unix(), d.Timestamp)
}

func TestPublisher_RelayOverride(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pub.React(context.Background(), f.group, "V1", []string{relayB})
	require.NoError(t, err)
	assert.Len(t, f.net.Relay(relayB).Events(), 1)
	assert.Empty(t, f.net.Relay(relayA).Events())
}

func TestPublisher_LifecycleKinds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.pub.Revoke(ctx, f.group, "V1", "oops", nil)
	require.NoError(t, err)
	_, err = f.pub.Delete(ctx, f.group, "V1", "", nil)
	require.NoError(t, err)
	_, err = f.pub.Report(ctx, f.group, "V1", "someone", "inappropriate", nil)
	require.NoError(t, err)

	msgs, err := f.eng.Messages(ctx, f.group)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int(kinds.Revoke), msgs[0].Event.Kind)
	assert.Equal(t, int(kinds.Delete), msgs[1].Event.Kind)
	assert.Equal(t, int(kinds.Report), msgs[2].Event.Kind)
}

func TestPublisher_NoSigner(t *testing.T) {
	ring, err := keys.NewKeyring("")
	require.NoError(t, err)
	f := newFixture(t, ring)

	_, err = f.pub.Share(context.Background(), f.group, testDescriptor(), nil)
	assert.ErrorIs(t, err, share.ErrNoSigner)
	assert.ErrorIs(t, err, keys.ErrNoHousehold)
	assert.Equal(t, "no local signing key available", relay.Describe(err))
}

func TestPublisher_EncodeFailurePublishesNothing(t *testing.T) {
	f := newFixture(t, nil)
	d := testDescriptor()
	d.Blob.URL = ""

	_, err := f.pub.Share(context.Background(), f.group, d, nil)
	assert.ErrorIs(t, err, share.ErrEncodePayload)
	assert.ErrorIs(t, err, payload.ErrMalformed)
	assert.Empty(t, f.net.Relay(relayA).Events())

	msgs, err := f.eng.Messages(context.Background(), f.group)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPublisher_NoConnectedRelays(t *testing.T) {
	f := newFixture(t, nil)
	f.net.Relay(relayA).SetDown(true)

	_, err := f.pub.Share(context.Background(), f.group, testDescriptor(), nil)
	assert.ErrorIs(t, err, relay.ErrNoConnectedRelays)
}
