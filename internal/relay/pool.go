// Package relay publishes events to the broadcast network and streams
// inbound events from it.
//
// Pool owns the connections to the configured relays and their health.
// Transport layers the group operations on top: it resolves which relays to
// use for a group and enforces the publish-before-merge rule for membership
// changes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// State is the health state of a relay connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Health is a snapshot of one relay's connection state.
type Health struct {
	URL         string
	State       State
	LastError   error
	LastChange  time.Time
	ConnectedAt time.Time
}

// Inbound is an event received from a relay.
type Inbound struct {
	Event *nostr.Event
	Relay string
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// URLs are the globally configured relays, in preference order.
	URLs []string

	// Dialer opens connections. Default: NostrDialer.
	Dialer Dialer

	// DialRetries is how many times a failed dial is retried. Default: 3.
	DialRetries uint64

	// DialBackoff is the initial retry delay, doubled on each attempt.
	// Default: 500ms.
	DialBackoff time.Duration

	// DialTimeout bounds a single dial attempt. Default: 10s.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// ApplyDefaults fills in zero values.
func (c *PoolConfig) ApplyDefaults() {
	if c.Dialer == nil {
		c.Dialer = NostrDialer{}
	}
	if c.DialRetries == 0 {
		c.DialRetries = 3
	}
	// retry.NewExponential panics on a non-positive base.
	if c.DialBackoff <= 0 {
		c.DialBackoff = 500 * time.Millisecond
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type node struct {
	conn   Conn
	health Health
}

// Pool manages connections to the configured relays.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*node
}

// NewPool creates a pool for cfg.URLs. No connection is made until Connect.
func NewPool(cfg PoolConfig) *Pool {
	cfg.ApplyDefaults()
	cfg.URLs = dedupe(cfg.URLs)
	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		nodes:  make(map[string]*node, len(cfg.URLs)),
	}
	for _, url := range cfg.URLs {
		p.nodes[url] = &node{health: Health{URL: url, State: Disconnected}}
	}
	return p
}

func dedupe(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

// URLs returns the configured relays.
func (p *Pool) URLs() []string {
	return slices.Clone(p.cfg.URLs)
}

// Connect dials every configured relay that is not already connected, in
// parallel, retrying each with exponential backoff. It succeeds if at least
// one relay is connected afterwards.
func (p *Pool) Connect(ctx context.Context) error {
	if len(p.cfg.URLs) == 0 {
		return ErrNoRelaysConfigured
	}

	var g errgroup.Group
	for _, url := range p.cfg.URLs {
		if p.isConnected(url) {
			continue
		}
		g.Go(func() error {
			p.connect(ctx, url)
			return nil
		})
	}
	_ = g.Wait()

	if len(p.Connected()) == 0 {
		return ErrNoConnectedRelays
	}
	return ctx.Err()
}

func (p *Pool) connect(ctx context.Context, url string) {
	p.setState(url, Connecting, nil)

	backoff := retry.WithMaxRetries(p.cfg.DialRetries, retry.NewExponential(p.cfg.DialBackoff))

	var conn Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		c, err := p.cfg.Dialer.Dial(dialCtx, url)
		if err != nil {
			p.logger.Debug("relay dial failed", "relay", url, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		p.logger.Warn("relay unavailable", "relay", url, "error", err)
		p.setState(url, Failed, err)
		return
	}

	p.mu.Lock()
	n := p.nodes[url]
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn = conn
	now := time.Now()
	n.health = Health{URL: url, State: Connected, LastChange: now, ConnectedAt: now}
	p.mu.Unlock()
	p.logger.Info("relay connected", "relay", url)
}

func (p *Pool) setState(url string, st State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[url]
	if !ok {
		return
	}
	n.health.State = st
	n.health.LastError = err
	n.health.LastChange = time.Now()
}

func (p *Pool) isConnected(url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[url]
	return ok && n.health.State == Connected && n.conn != nil && n.conn.IsConnected()
}

// Connected returns the relays currently reporting a live connection, in
// configured order. Connections that dropped since the last check are marked
// Disconnected.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, url := range p.cfg.URLs {
		n := p.nodes[url]
		if n.health.State != Connected {
			continue
		}
		if n.conn == nil || !n.conn.IsConnected() {
			n.health.State = Disconnected
			n.health.LastChange = time.Now()
			continue
		}
		out = append(out, url)
	}
	return out
}

// Available narrows candidates to connected relays.
func (p *Pool) Available(candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, ErrNoRelaysConfigured
	}
	connected := p.Connected()
	var out []string
	for _, url := range dedupe(candidates) {
		if slices.Contains(connected, url) {
			out = append(out, url)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoConnectedRelays
	}
	return out, nil
}

// Health returns a snapshot of every configured relay.
func (p *Pool) Health() []Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Health, 0, len(p.cfg.URLs))
	for _, url := range p.cfg.URLs {
		out = append(out, p.nodes[url].health)
	}
	return out
}

// Disconnect closes every connection. Safe to call more than once.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, url := range p.cfg.URLs {
		n := p.nodes[url]
		if n.conn != nil {
			if err := n.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", url, err))
			}
			n.conn = nil
		}
		if n.health.State != Disconnected {
			n.health.State = Disconnected
			n.health.LastChange = time.Now()
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) conn(url string) Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n, ok := p.nodes[url]; ok {
		return n.conn
	}
	return nil
}

func checkEvent(ev *nostr.Event) error {
	if ev.ID == "" || ev.ID != ev.GetID() {
		return fmt.Errorf("%w: id does not match content", ErrMalformedEvent)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return fmt.Errorf("%w: invalid signature on %s", ErrMalformedEvent, ev.ID)
	}
	return nil
}

// PublishEvents sends events to every relay in urls. Each relay receives the
// events in the given order and stops at its first rejection. The call
// succeeds if at least one relay accepted every event; otherwise it returns
// a *PublishError.
func (p *Pool) PublishEvents(ctx context.Context, urls []string, events []nostr.Event) error {
	for i := range events {
		if err := checkEvent(&events[i]); err != nil {
			return err
		}
	}
	if len(urls) == 0 {
		return ErrNoConnectedRelays
	}

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for _, url := range urls {
		g.Go(func() error {
			err := p.publishTo(ctx, url, events)
			if err != nil {
				mu.Lock()
				failures[url] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == len(urls) {
		return &PublishError{Failures: failures}
	}
	for url, err := range failures {
		p.logger.Warn("relay rejected publish", "relay", url, "error", err)
	}
	return nil
}

func (p *Pool) publishTo(ctx context.Context, url string, events []nostr.Event) error {
	c := p.conn(url)
	if c == nil || !c.IsConnected() {
		return ErrNoConnectedRelays
	}
	for _, ev := range events {
		if err := c.Publish(ctx, ev); err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Subscribe opens filters on every connected relay and merges the results
// into one channel. The channel is closed once ctx ends and every relay
// subscription has finished.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan Inbound, error) {
	urls := p.Connected()
	if len(urls) == 0 {
		return nil, ErrNoConnectedRelays
	}

	out := make(chan Inbound)
	var wg sync.WaitGroup
	for _, url := range urls {
		c := p.conn(url)
		if c == nil {
			continue
		}
		events, err := c.Subscribe(ctx, filters)
		if err != nil {
			p.logger.Warn("relay subscribe failed", "relay", url, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				select {
				case out <- Inbound{Event: ev, Relay: url}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
