package relay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/giftwrap"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/pkg/kinds"
)

// Config configures a Transport.
type Config struct {
	Pool   *Pool
	Engine *engine.Serial
	Keys   keys.Provider
	Logger *slog.Logger
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Transport publishes engine output to relays.
type Transport struct {
	pool   *Pool
	eng    *engine.Serial
	keys   keys.Provider
	logger *slog.Logger

	// undelivered holds welcome wraps whose members were merged but whose
	// publish failed, by group and recipient.
	mu          sync.Mutex
	undelivered map[engine.GroupID]map[string]nostr.Event
}

// New creates a Transport.
func New(cfg Config) *Transport {
	cfg.ApplyDefaults()
	return &Transport{
		pool:        cfg.Pool,
		eng:         cfg.Engine,
		keys:        cfg.Keys,
		logger:      cfg.Logger,
		undelivered: make(map[engine.GroupID]map[string]nostr.Event),
	}
}

// Pool returns the underlying relay pool.
func (t *Transport) Pool() *Pool { return t.pool }

// Resolve picks the relays to publish to: override if given, else the
// group's own relays if it has any, else the global list. The result only
// contains connected relays.
func (t *Transport) Resolve(ctx context.Context, override []string, groupID engine.GroupID) ([]string, error) {
	candidates := override
	if len(candidates) == 0 && groupID != "" {
		relays, err := t.eng.Relays(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("group relays: %w", err)
		}
		candidates = relays
	}
	if len(candidates) == 0 {
		candidates = t.pool.URLs()
	}
	return t.pool.Available(candidates)
}

// Publish resolves relays for groupID and publishes events to them in order.
func (t *Transport) Publish(ctx context.Context, override []string, groupID engine.GroupID, events ...nostr.Event) error {
	urls, err := t.Resolve(ctx, override, groupID)
	if err != nil {
		return err
	}
	return t.pool.PublishEvents(ctx, urls, events)
}

// PublishKeyPackage creates and publishes a key package for the household
// identity so other households can add this device to a group.
func (t *Transport) PublishKeyPackage(ctx context.Context, override []string) (nostr.Event, error) {
	signer, err := keys.Signer(t.keys)
	if err != nil {
		return nostr.Event{}, err
	}
	urls, err := t.Resolve(ctx, override, "")
	if err != nil {
		return nostr.Event{}, err
	}
	content, tags, err := t.eng.CreateKeyPackage(ctx, signer.PublicKey, urls)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("create key package: %w", err)
	}
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.KeyPackage),
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(signer.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign key package: %w", err)
	}
	if err := t.pool.PublishEvents(ctx, urls, []nostr.Event{ev}); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

// CreateGroup creates a group with the owners of keyPackages and delivers a
// gift-wrapped welcome to each of them. Every welcome recipient is resolved
// before anything is published. If only the welcome publish fails, the group
// is returned along with the error and ResendWelcomes retries delivery.
func (t *Transport) CreateGroup(ctx context.Context, keyPackages []nostr.Event, cfg engine.GroupConfig) (*engine.Group, error) {
	signer, err := keys.Signer(t.keys)
	if err != nil {
		return nil, err
	}
	urls, err := t.Resolve(ctx, cfg.Relays, "")
	if err != nil {
		return nil, err
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = urls
	}

	res, err := t.eng.CreateGroup(ctx, signer.PublicKey, keyPackages, cfg)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	wraps, err := giftwrap.WrapWelcomes(res.WelcomeRumors, giftwrap.NewKeyPackageIndex(keyPackages), signer.SecretKey)
	if err != nil {
		return nil, err
	}
	if err := t.publishWelcomes(ctx, res.Group.ID, urls, wraps); err != nil {
		return &res.Group, err
	}
	t.logger.Info("group created", "groupID", res.Group.ID, "welcomes", len(wraps))
	return &res.Group, nil
}

// AddMembers adds the owners of keyPackages to a group. The evolution event
// is published before the pending commit is merged. If publishing fails the
// commit stays unmerged and the call can be retried as is. If only the
// welcomes fail, retrying the call re-sends them instead of adding again.
func (t *Transport) AddMembers(ctx context.Context, groupID engine.GroupID, keyPackages []nostr.Event) error {
	signer, err := keys.Signer(t.keys)
	if err != nil {
		return err
	}
	urls, err := t.Resolve(ctx, nil, groupID)
	if err != nil {
		return err
	}

	resent, err := t.resend(ctx, groupID, urls)
	if err != nil {
		return err
	}
	keyPackages = slices.DeleteFunc(slices.Clone(keyPackages), func(kp nostr.Event) bool {
		return slices.Contains(resent, kp.PubKey)
	})
	if len(keyPackages) == 0 && len(resent) > 0 {
		return nil
	}

	upd, err := t.eng.AddMembers(ctx, groupID, keyPackages)
	if err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	wraps, err := giftwrap.WrapWelcomes(upd.WelcomeRumors, giftwrap.NewKeyPackageIndex(keyPackages), signer.SecretKey)
	if err != nil {
		return err
	}
	if err := t.commit(ctx, groupID, urls, upd.EvolutionEvent); err != nil {
		return err
	}
	return t.publishWelcomes(ctx, groupID, urls, wraps)
}

// ResendWelcomes publishes the welcomes of groupID that could not be
// delivered earlier.
func (t *Transport) ResendWelcomes(ctx context.Context, groupID engine.GroupID) error {
	urls, err := t.Resolve(ctx, nil, groupID)
	if err != nil {
		return err
	}
	_, err = t.resend(ctx, groupID, urls)
	return err
}

// UndeliveredWelcomes returns the recipients of groupID still waiting for a
// welcome.
func (t *Transport) UndeliveredWelcomes(groupID engine.GroupID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for recipient := range t.undelivered[groupID] {
		out = append(out, recipient)
	}
	slices.Sort(out)
	return out
}

// publishWelcomes publishes wraps, keeping them for a later resend when the
// publish fails.
func (t *Transport) publishWelcomes(ctx context.Context, groupID engine.GroupID, urls []string, wraps []nostr.Event) error {
	if len(wraps) == 0 {
		return nil
	}
	if err := t.pool.PublishEvents(ctx, urls, wraps); err != nil {
		t.mu.Lock()
		pending := t.undelivered[groupID]
		if pending == nil {
			pending = make(map[string]nostr.Event, len(wraps))
			t.undelivered[groupID] = pending
		}
		for _, w := range wraps {
			pending[kinds.TagValue(&w, kinds.TagPubKey)] = w
		}
		t.mu.Unlock()
		t.logger.Warn("welcome delivery failed", "groupID", groupID, "welcomes", len(wraps), "error", err)
		return fmt.Errorf("publish welcomes: %w", err)
	}
	return nil
}

// resend publishes the undelivered welcomes of groupID and returns their
// recipients. On failure the welcomes are kept.
func (t *Transport) resend(ctx context.Context, groupID engine.GroupID, urls []string) ([]string, error) {
	t.mu.Lock()
	pending := t.undelivered[groupID]
	recipients := make([]string, 0, len(pending))
	wraps := make([]nostr.Event, 0, len(pending))
	for recipient, w := range pending {
		recipients = append(recipients, recipient)
		wraps = append(wraps, w)
	}
	t.mu.Unlock()
	if len(wraps) == 0 {
		return nil, nil
	}

	if err := t.pool.PublishEvents(ctx, urls, wraps); err != nil {
		return nil, fmt.Errorf("publish welcomes: %w", err)
	}
	t.mu.Lock()
	for _, r := range recipients {
		delete(t.undelivered[groupID], r)
	}
	if len(t.undelivered[groupID]) == 0 {
		delete(t.undelivered, groupID)
	}
	t.mu.Unlock()
	t.logger.Info("welcomes re-sent", "groupID", groupID, "welcomes", len(wraps))
	return recipients, nil
}

// RemoveMembers removes pubkeys from a group with the same publish-then-merge
// ordering as AddMembers.
func (t *Transport) RemoveMembers(ctx context.Context, groupID engine.GroupID, pubkeys []string) error {
	urls, err := t.Resolve(ctx, nil, groupID)
	if err != nil {
		return err
	}
	upd, err := t.eng.RemoveMembers(ctx, groupID, pubkeys)
	if err != nil {
		return fmt.Errorf("remove members: %w", err)
	}
	return t.commit(ctx, groupID, urls, upd.EvolutionEvent)
}

func (t *Transport) commit(ctx context.Context, groupID engine.GroupID, urls []string, evolution nostr.Event) error {
	if err := t.pool.PublishEvents(ctx, urls, []nostr.Event{evolution}); err != nil {
		return fmt.Errorf("publish evolution event: %w", err)
	}
	// The publish went out, so the merge must not be skipped because the
	// caller gave up in the meantime.
	if err := t.eng.MergePendingCommit(context.WithoutCancel(ctx), groupID); err != nil {
		return fmt.Errorf("merge commit: %w", err)
	}
	t.logger.Info("group evolved", "groupID", groupID, "eventID", evolution.ID)
	return nil
}

// PendingWelcomes lists welcomes awaiting a decision.
func (t *Transport) PendingWelcomes(ctx context.Context) ([]engine.Welcome, error) {
	return t.eng.PendingWelcomes(ctx)
}

// AcceptWelcome joins the group of a pending welcome.
func (t *Transport) AcceptWelcome(ctx context.Context, welcomeID string) error {
	return t.eng.AcceptWelcome(ctx, welcomeID)
}

// DeclineWelcome rejects a pending welcome.
func (t *Transport) DeclineWelcome(ctx context.Context, welcomeID string) error {
	return t.eng.DeclineWelcome(ctx, welcomeID)
}
