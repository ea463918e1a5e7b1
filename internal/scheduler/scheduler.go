// Package scheduler owns the relay connection lifecycle and the inbound
// subscription.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/ingest"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/projection"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/pkg/kinds"
)

var ErrNotRunning = errors.New("scheduler not running")

// KeySource contributes keys of interest beyond local identities and group
// members, such as authors discovered in application state.
type KeySource interface {
	ExtraKeys(ctx context.Context) ([]string, error)
}

// Config configures a Scheduler.
type Config struct {
	Pool       *relay.Pool
	Engine     *engine.Serial
	Keys       keys.Provider
	Projection *projection.Manager

	// Ingest configures the router the scheduler builds. Its Engine, Keys
	// and Notifier are filled in by New.
	Ingest ingest.Config

	// KeySource is optional.
	KeySource KeySource

	// CheckInterval is how often the key set and relay connectivity are
	// re-examined. Default: 30s.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler keeps one subscription covering every tracked key and group.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	router  *ingest.Router
	changed chan struct{}

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	subCancel context.CancelFunc
	current   interest
	wg        sync.WaitGroup
}

// interest is what the current subscription was built from.
type interest struct {
	keys      []string
	networks  []string
	connected []string
}

func (i interest) equal(o interest) bool {
	return slices.Equal(i.keys, o.keys) &&
		slices.Equal(i.networks, o.networks) &&
		slices.Equal(i.connected, o.connected)
}

// New creates a Scheduler and its ingest router. The router reports state
// changes to the scheduler, which forwards them to the projection.
func New(cfg Config) (*Scheduler, error) {
	cfg.ApplyDefaults()
	s := &Scheduler{cfg: cfg, logger: cfg.Logger, changed: make(chan struct{}, 1)}

	ic := cfg.Ingest
	ic.Engine, ic.Keys, ic.Notifier = cfg.Engine, cfg.Keys, s
	if ic.Logger == nil {
		ic.Logger = cfg.Logger
	}
	router, err := ingest.NewRouter(ic)
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Router returns the ingest router fed by the subscription.
func (s *Scheduler) Router() *ingest.Router { return s.router }

// Notify forwards a state change to the projection and schedules a check of
// the subscription, since membership may have changed.
func (s *Scheduler) Notify() {
	s.cfg.Projection.Notify()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// NotifyGroup forwards new messages in a group to the projection.
func (s *Scheduler) NotifyGroup(id engine.GroupID) {
	s.cfg.Projection.NotifyGroup(id)
}

// Start connects to the relays, installs the subscription and starts the
// ingest, projection and periodic check loops. It returns once the first
// subscription is in place; the loops run until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if err := s.cfg.Pool.Connect(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running, s.runCtx, s.cancel = true, runCtx, cancel
	s.mu.Unlock()

	if err := s.cfg.Projection.Load(runCtx); err != nil {
		s.logger.Warn("could not load projection cursors", "error", err)
	}
	if err := s.Refresh(runCtx, true); err != nil {
		_ = s.Stop()
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.cfg.Projection.Start(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.checkLoop(runCtx)
	}()
	s.cfg.Projection.Notify()
	return nil
}

func (s *Scheduler) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Pool.Connect(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("relay reconnect failed", "error", err)
			}
		case <-s.changed:
		}
		if err := s.Refresh(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Error("subscription refresh failed", "error", err)
		}
	}
}

// Refresh re-issues the subscription when the tracked keys, the joined
// groups or the connected relays changed. force re-issues it regardless.
func (s *Scheduler) Refresh(ctx context.Context, force bool) error {
	next, err := s.interest(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if !force && next.equal(s.current) {
		return nil
	}

	if s.subCancel != nil {
		s.subCancel()
	}
	subCtx, subCancel := context.WithCancel(s.runCtx)
	in, err := s.cfg.Pool.Subscribe(subCtx, Filters(next.keys, next.networks))
	if err != nil {
		subCancel()
		s.subCancel = nil
		s.current = interest{}
		return fmt.Errorf("subscribe: %w", err)
	}
	s.subCancel, s.current = subCancel, next

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.router.Run(subCtx, in)
	}()

	s.logger.Info("subscription installed",
		"keys", len(next.keys), "groups", len(next.networks), "relays", len(next.connected), "forced", force)
	return nil
}

func (s *Scheduler) interest(ctx context.Context) (interest, error) {
	tracked := keys.PublicKeys(s.cfg.Keys)

	groups, err := s.cfg.Engine.Groups(ctx)
	if err != nil {
		return interest{}, fmt.Errorf("list groups: %w", err)
	}
	var networks []string
	for _, g := range groups {
		networks = append(networks, g.NetworkID)
		members, err := s.cfg.Engine.Members(ctx, g.ID)
		if err != nil {
			return interest{}, fmt.Errorf("members of %s: %w", g.ID, err)
		}
		tracked = append(tracked, members...)
	}

	if s.cfg.KeySource != nil {
		extra, err := s.cfg.KeySource.ExtraKeys(ctx)
		if err != nil {
			s.logger.Warn("key source failed", "error", err)
		}
		tracked = append(tracked, extra...)
	}

	connected := s.cfg.Pool.Connected()
	slices.Sort(tracked)
	slices.Sort(networks)
	slices.Sort(connected)
	return interest{
		keys:      slices.Compact(tracked),
		networks:  slices.Compact(networks),
		connected: connected,
	}, nil
}

// Filters builds the subscription: onboarding kinds authored by or
// addressed to keys, and group messages of every network group id.
func Filters(trackedKeys, networks []string) nostr.Filters {
	onboarding := []int{int(kinds.KeyPackage), int(kinds.Welcome), int(kinds.GiftWrap)}
	var filters nostr.Filters
	if len(trackedKeys) > 0 {
		filters = append(filters,
			nostr.Filter{Kinds: onboarding, Authors: slices.Clone(trackedKeys)},
			nostr.Filter{Kinds: onboarding, Tags: nostr.TagMap{kinds.TagPubKey: slices.Clone(trackedKeys)}},
		)
	}
	if len(networks) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds: []int{int(kinds.GroupMessage)},
			Tags:  nostr.TagMap{kinds.TagGroup: slices.Clone(networks)},
		})
	}
	return filters
}

// Stop cancels every loop, tears down the subscription and disconnects from
// the relays. It is safe to call more than once.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	s.current = interest{}
	s.mu.Unlock()

	s.wg.Wait()
	return s.cfg.Pool.Disconnect()
}
