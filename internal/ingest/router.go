// Package ingest routes inbound relay events into the engine.
//
// Every event is classified by kind and handled on its own. Errors are
// logged with the event id and kind and never stop the stream: relays are
// untrusted and deliver duplicates, garbage and events meant for others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/giftwrap"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/pkg/kinds"
)

var ErrNotWelcome = errors.New("gift wrap does not carry a welcome")

// Notifier is told about state changes that require projection.
type Notifier interface {
	// Notify signals a change that may affect any group.
	Notify()
	// NotifyGroup signals new messages in one group.
	NotifyGroup(id engine.GroupID)
}

// Config configures a Router.
type Config struct {
	Engine   *engine.Serial
	Keys     keys.Provider
	Notifier Notifier

	// SeenCacheSize bounds the recently handled event ids used to drop
	// duplicates delivered by several relays. Default: 4096.
	SeenCacheSize int

	Logger *slog.Logger
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.SeenCacheSize == 0 {
		c.SeenCacheSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats counts handled events.
type Stats struct {
	Received     uint64
	Duplicates   uint64
	KeyPackages  uint64
	Evolutions   uint64
	Welcomes     uint64
	GiftWraps    uint64
	Applications uint64
	Unknown      uint64
	Dropped      uint64
	Failed       uint64
}

type counters struct {
	received     atomic.Uint64
	duplicates   atomic.Uint64
	keyPackages  atomic.Uint64
	evolutions   atomic.Uint64
	welcomes     atomic.Uint64
	giftWraps    atomic.Uint64
	applications atomic.Uint64
	unknown      atomic.Uint64
	dropped      atomic.Uint64
	failed       atomic.Uint64
}

// Router dispatches inbound events to the engine.
type Router struct {
	eng      *engine.Serial
	keys     keys.Provider
	notifier Notifier
	logger   *slog.Logger
	seen     *lru.Cache[string, struct{}]
	stats    counters
}

// NewRouter creates a Router.
func NewRouter(cfg Config) (*Router, error) {
	cfg.ApplyDefaults()
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	return &Router{
		eng:      cfg.Engine,
		keys:     cfg.Keys,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		seen:     seen,
	}, nil
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:     r.stats.received.Load(),
		Duplicates:   r.stats.duplicates.Load(),
		KeyPackages:  r.stats.keyPackages.Load(),
		Evolutions:   r.stats.evolutions.Load(),
		Welcomes:     r.stats.welcomes.Load(),
		GiftWraps:    r.stats.giftWraps.Load(),
		Applications: r.stats.applications.Load(),
		Unknown:      r.stats.unknown.Load(),
		Dropped:      r.stats.dropped.Load(),
		Failed:       r.stats.failed.Load(),
	}
}

// Run handles events from in until it is closed or ctx ends.
func (r *Router) Run(ctx context.Context, in <-chan relay.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := r.Handle(ctx, msg.Event); err != nil {
				r.logger.Warn("inbound event failed",
					"eventID", msg.Event.ID, "kind", msg.Event.Kind, "relay", msg.Relay, "error", err)
			}
		}
	}
}

// Handle processes one event. The returned error is informational; the
// caller is expected to log it and carry on.
func (r *Router) Handle(ctx context.Context, ev *nostr.Event) error {
	if ev == nil {
		return nil
	}
	r.stats.received.Add(1)
	if r.seen.Contains(ev.ID) {
		r.stats.duplicates.Add(1)
		return nil
	}

	err := r.route(ctx, ev)
	if err != nil {
		r.stats.failed.Add(1)
	}
	// Events interrupted by shutdown may be delivered again.
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		r.seen.Add(ev.ID, struct{}{})
	}
	return err
}

func (r *Router) route(ctx context.Context, ev *nostr.Event) error {
	switch route := kinds.Classify(ev.Kind); route {
	case kinds.RouteKeyPackage:
		r.stats.keyPackages.Add(1)
		return r.keyPackage(ctx, ev)
	case kinds.RouteEvolution:
		r.stats.evolutions.Add(1)
		return r.processMessage(ctx, ev)
	case kinds.RouteApplication:
		r.stats.applications.Add(1)
		return r.processMessage(ctx, ev)
	case kinds.RouteWelcome:
		r.stats.welcomes.Add(1)
		return r.welcome(ctx, ev.ID, ev)
	case kinds.RouteGiftWrap:
		r.stats.giftWraps.Add(1)
		return r.giftWrap(ctx, ev)
	case kinds.RouteUnknown:
		r.stats.unknown.Add(1)
		r.logger.Debug("dropping event of unknown kind", "eventID", ev.ID, "kind", ev.Kind)
		return nil
	default:
		return fmt.Errorf("unhandled route %s", route)
	}
}

func (r *Router) keyPackage(ctx context.Context, ev *nostr.Event) error {
	kp, err := r.eng.ParseKeyPackage(ctx, ev)
	if err != nil {
		return fmt.Errorf("parse key package: %w", err)
	}
	r.logger.Debug("key package cached", "eventID", ev.ID, "owner", kp.Owner)
	return nil
}

func (r *Router) giftWrap(ctx context.Context, ev *nostr.Event) error {
	if target := kinds.TagValue(ev, kinds.TagPubKey); target != "" && !slices.Contains(keys.PublicKeys(r.keys), target) {
		r.stats.dropped.Add(1)
		r.logger.Debug("gift wrap addressed elsewhere", "eventID", ev.ID)
		return nil
	}
	opened, ok := giftwrap.UnwrapAny(ev, r.keys, r.logger)
	if !ok {
		r.stats.dropped.Add(1)
		return nil
	}
	if opened.Rumor.Kind != int(kinds.Welcome) {
		return fmt.Errorf("%w: inner kind %d", ErrNotWelcome, opened.Rumor.Kind)
	}
	return r.welcome(ctx, ev.ID, opened.Rumor)
}

func (r *Router) welcome(ctx context.Context, wrapperID string, rumor *nostr.Event) error {
	w, err := r.eng.ProcessWelcome(ctx, wrapperID, rumor)
	if err != nil {
		return fmt.Errorf("process welcome: %w", err)
	}
	r.logger.Info("welcome received",
		"welcomeID", w.ID, "groupID", w.GroupID, "name", w.Name, "welcomer", w.Welcomer, "state", w.State)
	return nil
}

func (r *Router) processMessage(ctx context.Context, ev *nostr.Event) error {
	res, err := r.eng.ProcessMessage(ctx, ev)
	if err != nil {
		return fmt.Errorf("process message: %w", err)
	}

	switch res := res.(type) {
	case engine.ApplicationMessage:
		r.logger.Debug("application message", "eventID", ev.ID, "groupID", res.Message.GroupID, "kind", res.Message.Event.Kind)
		if r.notifier != nil {
			r.notifier.NotifyGroup(res.Message.GroupID)
		}
	case engine.Proposal:
		// Proposals wait for an admin; nothing acts on them automatically.
		r.logger.Info("proposal received, awaiting admin action", "eventID", ev.ID, "groupID", res.GroupID)
	case engine.ExternalJoinProposal:
		r.logger.Info("external join proposal received, awaiting admin action", "eventID", ev.ID, "groupID", res.GroupID)
	case engine.Commit:
		// The commit is already staged and marked processed; a redelivery
		// would not stage it again, so the merge must not be cancelled.
		if err := r.eng.MergePendingCommit(context.WithoutCancel(ctx), res.GroupID); err != nil {
			return fmt.Errorf("merge commit: %w", err)
		}
		r.logger.Info("commit merged", "eventID", ev.ID, "groupID", res.GroupID)
		if r.notifier != nil {
			r.notifier.Notify()
		}
	case engine.Unprocessable:
		r.stats.dropped.Add(1)
		if res.Reason == engine.ReasonAlreadyProcessed {
			r.logger.Debug("message already processed", "eventID", ev.ID, "groupID", res.GroupID)
		} else {
			r.logger.Warn("unprocessable message", "eventID", ev.ID, "kind", ev.Kind, "groupID", res.GroupID, "reason", res.Reason)
		}
	default:
		return fmt.Errorf("unexpected process result %T", res)
	}
	return nil
}
