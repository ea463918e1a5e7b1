package relay

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is a live connection to one relay.
type Conn interface {
	URL() string
	IsConnected() bool
	Publish(ctx context.Context, ev nostr.Event) error
	// Subscribe streams events matching filters until ctx ends. The returned
	// channel is closed when the subscription is over.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NostrDialer dials real relays over websocket.
type NostrDialer struct{}

func (NostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &nostrConn{relay: r}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) URL() string { return c.relay.URL }

func (c *nostrConn) IsConnected() bool { return c.relay.IsConnected() }

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer sub.Unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
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

func (c *nostrConn) Close() error { return c.relay.Close() }
