// Package relaytest provides an in-memory relay network for tests.
package relaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/relay"
)

var ErrUnreachable = errors.New("relay unreachable")

// Network is a set of in-memory relays. It implements relay.Dialer.
type Network struct {
	mu     sync.Mutex
	relays map[string]*Relay
}

// NewNetwork creates a network with one reachable relay per url.
func NewNetwork(urls ...string) *Network {
	n := &Network{relays: make(map[string]*Relay)}
	for _, url := range urls {
		n.Relay(url)
	}
	return n
}

// Relay returns the relay at url, creating it if needed.
func (n *Network) Relay(url string) *Relay {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.relays[url]
	if !ok {
		r = &Relay{url: url}
		n.relays[url] = r
	}
	return r
}

func (n *Network) Dial(ctx context.Context, url string) (relay.Conn, error) {
	n.mu.Lock()
	r, ok := n.relays[url]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, url)
	}
	return r.dial()
}

// Relay is one in-memory relay.
type Relay struct {
	url string

	mu         sync.Mutex
	down       bool
	dials      int
	subscribes int
	publishErr error
	failKinds  map[int]error
	events     []nostr.Event
	subs       map[*subscription]struct{}
	conns      []*conn
}

type subscription struct {
	filters nostr.Filters
	ch      chan *nostr.Event
	ctx     context.Context
}

// SetDown makes the relay refuse dials and drop open connections.
func (r *Relay) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
	if down {
		for _, c := range r.conns {
			c.closed = true
		}
	}
}

// FailPublish makes every publish fail with err until called with nil.
func (r *Relay) FailPublish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishErr = err
}

// FailPublishKind makes publishes of kind fail with err until called with
// nil. Other kinds are unaffected.
func (r *Relay) FailPublishKind(kind int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failKinds == nil {
		r.failKinds = make(map[int]error)
	}
	if err == nil {
		delete(r.failKinds, kind)
		return
	}
	r.failKinds[kind] = err
}

// Events returns every event the relay has accepted, in arrival order.
func (r *Relay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

// Dials returns how many times the relay was dialed.
func (r *Relay) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// SubscribeCalls returns how many subscriptions were ever opened.
func (r *Relay) SubscribeCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribes
}

// Subscriptions returns the number of open subscriptions.
func (r *Relay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Inject stores ev and delivers it to matching subscriptions, as if another
// client had published it.
func (r *Relay) Inject(ev nostr.Event) {
	r.deliver(ev, r.store(ev))
}

func (r *Relay) store(ev nostr.Event) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	var targets []*subscription
	for s := range r.subs {
		if s.filters.Match(&ev) {
			targets = append(targets, s)
		}
	}
	return targets
}

func (r *Relay) deliver(ev nostr.Event, targets []*subscription) {
	for _, s := range targets {
		e := ev
		select {
		case s.ch <- &e:
		case <-s.ctx.Done():
		}
	}
}

func (r *Relay) dial() (relay.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, r.url)
	}
	c := &conn{relay: r}
	r.conns = append(r.conns, c)
	return c, nil
}

type conn struct {
	relay  *Relay
	closed bool // guarded by relay.mu
}

func (c *conn) URL() string { return c.relay.url }

func (c *conn) IsConnected() bool {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	return !c.closed && !c.relay.down
}

func (c *conn) Publish(ctx context.Context, ev nostr.Event) error {
	c.relay.mu.Lock()
	err := c.relay.publishErr
	if kindErr, ok := c.relay.failKinds[ev.Kind]; ok && err == nil {
		err = kindErr
	}
	closed := c.closed
	c.relay.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrUnreachable, c.relay.url)
	}
	if err != nil {
		return err
	}
	// Delivery is asynchronous so a publisher that also consumes the
	// subscription cannot block itself.
	targets := c.relay.store(ev)
	go c.relay.deliver(ev, targets)
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	c.relay.mu.Lock()
	if c.closed {
		c.relay.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, c.relay.url)
	}
	s := &subscription{filters: filters, ch: make(chan *nostr.Event), ctx: ctx}
	if c.relay.subs == nil {
		c.relay.subs = make(map[*subscription]struct{})
	}
	c.relay.subs[s] = struct{}{}
	c.relay.subscribes++
	c.relay.mu.Unlock()

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer func() {
			c.relay.mu.Lock()
			delete(c.relay.subs, s)
			c.relay.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *conn) Close() error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	c.closed = true
	return nil
}
