package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/engine/memengine"
	"github.com/relves/familysync/internal/giftwrap"
	"github.com/relves/familysync/internal/ingest"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/pkg/kinds"
)

type mockNotifier struct {
	mu     sync.Mutex
	all    int
	groups []engine.GroupID
}

func (m *mockNotifier) Notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all++
}

func (m *mockNotifier) NotifyGroup(id engine.GroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, id)
}

func (m *mockNotifier) counts() (int, []engine.GroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all, append([]engine.GroupID(nil), m.groups...)
}

// family is the local side: bob's engine behind a router.
type family struct {
	bob      keys.Identity
	ring     *keys.Keyring
	eng      *engine.Serial
	router   *ingest.Router
	notifier *mockNotifier
}

func newFamily(t *testing.T) *family {
	t.Helper()
	f := &family{bob: keys.Generate(), notifier: &mockNotifier{}}
	var err error
	f.ring, err = keys.NewKeyring(f.bob.SecretKey)
	require.NoError(t, err)

	f.eng = engine.NewSerial(memengine.New(), nil)
	t.Cleanup(func() { _ = f.eng.Close() })

	f.router, err = ingest.NewRouter(ingest.Config{Engine: f.eng, Keys: f.ring, Notifier: f.notifier})
	require.NoError(t, err)
	return f
}

func keyPackage(t *testing.T, owner keys.Identity) nostr.Event {
	t.Helper()
	content, tags, err := memengine.New().CreateKeyPackage(owner.PublicKey, nil)
	require.NoError(t, err)
	ev := nostr.Event{CreatedAt: nostr.Now(), Kind: int(kinds.KeyPackage), Tags: tags, Content: content}
	require.NoError(t, ev.Sign(owner.SecretKey))
	return ev
}

// joinAliceGroup has alice create a group with bob and delivers the welcome
// through the router. It returns alice's engine and the group.
func joinAliceGroup(t *testing.T, f *family) (*memengine.Engine, keys.Identity, engine.Group) {
	t.Helper()
	ctx := context.Background()
	alice := keys.Generate()
	a := memengine.New()

	res, err := a.CreateGroup(alice.PublicKey, []nostr.Event{keyPackage(t, f.bob)}, engine.GroupConfig{Name: "family"})
	require.NoError(t, err)
	require.Len(t, res.WelcomeRumors, 1)

	wrap, err := giftwrap.Encrypt(res.WelcomeRumors[0], alice.SecretKey, f.bob.PublicKey)
	require.NoError(t, err)
	require.NoError(t, f.router.Handle(ctx, &wrap))

	pending, err := f.eng.PendingWelcomes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, wrap.ID, pending[0].WrapperEventID)
	assert.Equal(t, "family", pending[0].Name)
	require.NoError(t, f.eng.AcceptWelcome(ctx, pending[0].ID))
	return a, alice, res.Group
}

func TestRouter_GiftWrappedWelcome(t *testing.T) {
	f := newFamily(t)
	joinAliceGroup(t, f)

	stats := f.router.Stats()
	assert.Equal(t, uint64(1), stats.GiftWraps)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestRouter_PlainWelcome(t *testing.T) {
	f := newFamily(t)
	ctx := context.Background()
	alice := keys.Generate()

	res, err := memengine.New().CreateGroup(alice.PublicKey, []nostr.Event{keyPackage(t, f.bob)}, engine.GroupConfig{Name: "cousins"})
	require.NoError(t, err)
	rumor := res.WelcomeRumors[0]
	rumor.ID = rumor.GetID()
	require.NoError(t, f.router.Handle(ctx, &rumor))

	pending, err := f.eng.PendingWelcomes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cousins", pending[0].Name)
	assert.Equal(t, rumor.ID, pending[0].WrapperEventID)
	assert.Equal(t, alice.PublicKey, pending[0].Welcomer)

	// A second router on the same engine, as after a restart, does not
	// record the welcome twice.
	again, err := ingest.NewRouter(ingest.Config{Engine: f.eng, Keys: f.ring, Notifier: f.notifier})
	require.NoError(t, err)
	require.NoError(t, again.Handle(ctx, &rumor))
	pending, err = f.eng.PendingWelcomes(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stats := f.router.Stats()
	assert.Equal(t, uint64(1), stats.Welcomes)
	assert.Zero(t, stats.GiftWraps)
	assert.Zero(t, stats.Failed)
}

func TestRouter_KeyPackageReingestIsIdempotent(t *testing.T) {
	f := newFamily(t)
	ctx := context.Background()
	carol := keys.Generate()
	kp := keyPackage(t, carol)

	require.NoError(t, f.router.Handle(ctx, &kp))
	require.NoError(t, f.router.Handle(ctx, &kp))
	stats := f.router.Stats()
	assert.Equal(t, uint64(1), stats.KeyPackages)
	assert.Equal(t, uint64(1), stats.Duplicates)

	again, err := ingest.NewRouter(ingest.Config{Engine: f.eng, Keys: f.ring, Notifier: f.notifier})
	require.NoError(t, err)
	require.NoError(t, again.Handle(ctx, &kp))
	assert.Zero(t, again.Stats().Failed)

	parsed, err := f.eng.ParseKeyPackage(ctx, &kp)
	require.NoError(t, err)
	assert.Equal(t, carol.PublicKey, parsed.Owner)
	assert.Equal(t, kp.ID, parsed.EventID)
}

func TestRouter_GiftWrapForSomeoneElseIsDropped(t *testing.T) {
	f := newFamily(t)
	alice, stranger := keys.Generate(), keys.Generate()
	rumor := nostr.Event{PubKey: alice.PublicKey, CreatedAt: nostr.Now(), Kind: int(kinds.Welcome), Tags: nostr.Tags{{"e", "kp"}}, Content: "{}"}

	wrap, err := giftwrap.Encrypt(rumor, alice.SecretKey, stranger.PublicKey)
	require.NoError(t, err)
	require.NoError(t, f.router.Handle(context.Background(), &wrap))

	// Same wrap with the recipient tag stripped still fails trial decryption.
	wrap.Tags = nostr.Tags{}
	wrap.ID = "untagged"
	require.NoError(t, f.router.Handle(context.Background(), &wrap))

	pending, err := f.eng.PendingWelcomes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, uint64(2), f.router.Stats().Dropped)
}

func TestRouter_ApplicationMessageNotifiesGroup(t *testing.T) {
	f := newFamily(t)
	a, alice, g := joinAliceGroup(t, f)

	msg, err := a.CreateMessage(g.ID, nostr.Event{PubKey: alice.PublicKey, CreatedAt: nostr.Now(), Kind: int(kinds.Share), Content: "{}"})
	require.NoError(t, err)
	require.NoError(t, f.router.Handle(context.Background(), &msg))

	_, groups := f.notifier.counts()
	assert.Equal(t, []engine.GroupID{g.ID}, groups)

	msgs, err := f.eng.Messages(context.Background(), g.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int(kinds.Share), msgs[0].Event.Kind)
}

func TestRouter_DuplicatesDropped(t *testing.T) {
	f := newFamily(t)
	a, alice, g := joinAliceGroup(t, f)

	msg, err := a.CreateMessage(g.ID, nostr.Event{PubKey: alice.PublicKey, CreatedAt: nostr.Now(), Kind: int(kinds.Reaction), Content: "{}"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.router.Handle(context.Background(), &msg))
	}

	assert.Equal(t, uint64(2), f.router.Stats().Duplicates)
	msgs, err := f.eng.Messages(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRouter_CommitIsMerged(t *testing.T) {
	f := newFamily(t)
	a, _, g := joinAliceGroup(t, f)
	carol := keys.Generate()

	upd, err := a.AddMembers(g.ID, []nostr.Event{keyPackage(t, carol)})
	require.NoError(t, err)
	require.NoError(t, a.MergePendingCommit(g.ID))

	require.NoError(t, f.router.Handle(context.Background(), &upd.EvolutionEvent))

	members, err := f.eng.Members(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Contains(t, members, carol.PublicKey)
	grp, err := f.eng.Group(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Epoch+1, grp.Epoch)

	all, _ := f.notifier.counts()
	assert.Equal(t, 1, all)
}

func TestRouter_ProposalIsLogOnly(t *testing.T) {
	f := newFamily(t)
	_, _, g := joinAliceGroup(t, f)

	ev, err := memengine.NewProposalEvent(g.NetworkID, false)
	require.NoError(t, err)
	require.NoError(t, f.router.Handle(context.Background(), &ev))

	all, groups := f.notifier.counts()
	assert.Zero(t, all)
	assert.Empty(t, groups)
	grp, err := f.eng.Group(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Epoch, grp.Epoch)
}

func TestRouter_UnknownKindAndGroup(t *testing.T) {
	f := newFamily(t)
	ctx := context.Background()

	note := nostr.Event{CreatedAt: nostr.Now(), Kind: 1, Tags: nostr.Tags{}, Content: "hello"}
	require.NoError(t, note.Sign(keys.Generate().SecretKey))
	require.NoError(t, f.router.Handle(ctx, &note))

	stray, err := memengine.NewProposalEvent("not-a-group", false)
	require.NoError(t, err)
	require.NoError(t, f.router.Handle(ctx, &stray))

	stats := f.router.Stats()
	assert.Equal(t, uint64(1), stats.Unknown)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestRouter_RunContinuesAfterFailure(t *testing.T) {
	f := newFamily(t)
	in := make(chan relay.Inbound)
	done := make(chan struct{})
	go func() {
		f.router.Run(context.Background(), in)
		close(done)
	}()

	bad := nostr.Event{ID: "bad", Kind: int(kinds.KeyPackage), Content: "not json"}
	good := keyPackage(t, keys.Generate())
	in <- relay.Inbound{Event: &bad, Relay: "wss://a.test"}
	in <- relay.Inbound{Event: &good, Relay: "wss://a.test"}
	close(in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop after input closed")
	}
	stats := f.router.Stats()
	assert.Equal(t, uint64(2), stats.KeyPackages)
	assert.Equal(t, uint64(1), stats.Failed)

	kp, err := f.eng.ParseKeyPackage(context.Background(), &good)
	require.NoError(t, err)
	assert.Equal(t, good.PubKey, kp.Owner)
}
