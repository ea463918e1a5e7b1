// Package share publishes application payloads to a group.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/pkg/kinds"
	"github.com/relves/familysync/pkg/payload"
)

var (
	ErrNoSigner      = errors.New("no local signer identity")
	ErrEncodePayload = errors.New("payload encoding failed")
)

// Config configures a Publisher.
type Config struct {
	Engine    *engine.Serial
	Transport *relay.Transport
	Keys      keys.Provider
	Logger    *slog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result is a published application message.
type Result struct {
	Event   nostr.Event
	GroupID engine.GroupID
}

// Publisher turns payloads into group messages and publishes them.
type Publisher struct {
	eng       *engine.Serial
	transport *relay.Transport
	keys      keys.Provider
	logger    *slog.Logger
	now       func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config) *Publisher {
	cfg.ApplyDefaults()
	return &Publisher{
		eng:       cfg.Engine,
		transport: cfg.Transport,
		keys:      cfg.Keys,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

func (p *Publisher) signer() (keys.Identity, error) {
	id, err := keys.Signer(p.keys)
	if err != nil {
		return keys.Identity{}, fmt.Errorf("%w: %w", ErrNoSigner, err)
	}
	return id, nil
}

// Publish encodes pl as a message of groupID and publishes it to
// relayOverride, or to the group's relays when no override is given.
func (p *Publisher) Publish(ctx context.Context, groupID engine.GroupID, pl payload.Payload, relayOverride []string) (*Result, error) {
	signer, err := p.signer()
	if err != nil {
		return nil, err
	}
	content, err := payload.Encode(pl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodePayload, err)
	}
	urls, err := p.transport.Resolve(ctx, relayOverride, groupID)
	if err != nil {
		return nil, err
	}

	rumor := nostr.Event{
		PubKey:    signer.PublicKey,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Kind:      int(pl.Kind()),
		Tags:      nostr.Tags{{kinds.TagEvent, pl.ItemRef()}},
		Content:   string(content),
	}
	ev, err := p.eng.CreateMessage(ctx, groupID, rumor)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := p.transport.Pool().PublishEvents(ctx, urls, []nostr.Event{ev}); err != nil {
		return nil, err
	}
	p.logger.Debug("payload published", "groupID", groupID, "kind", rumor.Kind, "item", pl.ItemRef(), "eventID", ev.ID)
	return &Result{Event: ev, GroupID: groupID}, nil
}

// Share announces a shared item. Signer and Timestamp are filled in when
// empty.
func (p *Publisher) Share(ctx context.Context, groupID engine.GroupID, d payload.ShareDescriptor, relayOverride []string) (*Result, error) {
	signer, err := p.signer()
	if err != nil {
		return nil, err
	}
	if d.Signer == "" {
		d.Signer = signer.PublicKey
	}
	if d.Owner == "" {
		d.Owner = signer.PublicKey
	}
	if d.Timestamp == 0 {
		d.Timestamp = p.now().Unix()
	}
	return p.Publish(ctx, groupID, d, relayOverride)
}

// Revoke withdraws access to an item.
func (p *Publisher) Revoke(ctx context.Context, groupID engine.GroupID, itemID, reason string, relayOverride []string) (*Result, error) {
	return p.lifecycle(ctx, groupID, payload.ActionRevoke, itemID, reason, relayOverride)
}

// Delete removes an item.
func (p *Publisher) Delete(ctx context.Context, groupID engine.GroupID, itemID, reason string, relayOverride []string) (*Result, error) {
	return p.lifecycle(ctx, groupID, payload.ActionDelete, itemID, reason, relayOverride)
}

func (p *Publisher) lifecycle(ctx context.Context, groupID engine.GroupID, action payload.LifecycleAction, itemID, reason string, relayOverride []string) (*Result, error) {
	signer, err := p.signer()
	if err != nil {
		return nil, err
	}
	return p.Publish(ctx, groupID, payload.LifecycleNotice{
		ItemID:    itemID,
		Reason:    reason,
		Action:    action,
		Signer:    signer.PublicKey,
		Timestamp: p.now().Unix(),
	}, relayOverride)
}

// React records that the household viewed or liked an item.
func (p *Publisher) React(ctx context.Context, groupID engine.GroupID, itemID string, relayOverride []string) (*Result, error) {
	signer, err := p.signer()
	if err != nil {
		return nil, err
	}
	return p.Publish(ctx, groupID, payload.ReactionNotice{
		ItemID:    itemID,
		Viewer:    signer.PublicKey,
		Signer:    signer.PublicKey,
		Timestamp: p.now().Unix(),
	}, relayOverride)
}

// Report flags an item about subject for review.
func (p *Publisher) Report(ctx context.Context, groupID engine.GroupID, itemID, subject, reason string, relayOverride []string) (*Result, error) {
	signer, err := p.signer()
	if err != nil {
		return nil, err
	}
	return p.Publish(ctx, groupID, payload.ReportNotice{
		ItemID:    itemID,
		Subject:   subject,
		Reason:    reason,
		Signer:    signer.PublicKey,
		Timestamp: p.now().Unix(),
	}, relayOverride)
}
