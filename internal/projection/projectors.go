// internal/projection/projectors.go
package projection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/storage"
	"github.com/relves/familysync/pkg/kinds"
	"github.com/relves/familysync/pkg/payload"
)

// apply dispatches one message to the projector of its payload.
func (m *Manager) apply(ctx context.Context, msg engine.Message) error {
	if !kinds.IsApplication(msg.Event.Kind) {
		m.logger.Debug("ignoring non-application message", "eventID", msg.EventID, "kind", msg.Event.Kind)
		return nil
	}
	p, err := payload.Decode(msg.Event.Kind, []byte(msg.Event.Content))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	signer, err := checkSigner(p, msg.Event.PubKey)
	if err != nil {
		return err
	}

	group := string(msg.GroupID)
	switch p := p.(type) {
	case payload.ShareDescriptor:
		return m.projectShare(ctx, group, signer, p, msg)
	case payload.LifecycleNotice:
		return m.projectLifecycle(ctx, group, signer, p)
	case payload.ReactionNotice:
		return m.stores.Reactions.AddReaction(ctx, storage.Reaction{
			ItemID:  p.ItemID,
			GroupID: group,
			Viewer:  p.Viewer,
			Signer:  signer,
			EventID: msg.EventID,
			At:      eventTime(p.Timestamp, msg),
		})
	case payload.ReportNotice:
		return m.stores.Reports.AddReport(ctx, storage.Report{
			ID:         uuid.NewString(),
			ItemID:     p.ItemID,
			GroupID:    group,
			Subject:    p.Subject,
			Reason:     p.Reason,
			Reporter:   signer,
			EventID:    msg.EventID,
			Status:     storage.ReportPending,
			ReceivedAt: m.cfg.Now(),
		})
	default:
		return fmt.Errorf("%w: unhandled payload %T", ErrMalformedPayload, p)
	}
}

// checkSigner returns the author of p. A payload claiming a signer other
// than the message author is rejected.
func checkSigner(p payload.Payload, author string) (string, error) {
	var claimed string
	switch p := p.(type) {
	case payload.ShareDescriptor:
		claimed = p.Signer
	case payload.LifecycleNotice:
		claimed = p.Signer
	case payload.ReactionNotice:
		claimed = p.Signer
	case payload.ReportNotice:
		claimed = p.Signer
	}
	if claimed != "" && author != "" && claimed != author {
		return "", fmt.Errorf("%w: signer %s is not the author", ErrMalformedPayload, claimed)
	}
	if claimed == "" {
		claimed = author
	}
	return claimed, nil
}

func eventTime(ts int64, msg engine.Message) time.Time {
	if ts > 0 {
		return time.Unix(ts, 0)
	}
	return msg.Event.CreatedAt.Time()
}

func (m *Manager) projectShare(ctx context.Context, group, signer string, d payload.ShareDescriptor, msg engine.Message) error {
	cur, err := m.stores.Media.Media(ctx, d.ItemID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case len(cur.Descriptor) > 0 && (cur.GroupID != group || cur.Owner != d.Owner):
		return fmt.Errorf("%w: item %s already shared by %s", ErrMalformedPayload, d.ItemID, cur.Owner)
	}

	digest, err := payload.Digest(d)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	rec := storage.MediaRecord{
		ItemID:     d.ItemID,
		GroupID:    group,
		Owner:      d.Owner,
		Signer:     signer,
		Status:     storage.MediaAvailable,
		BlobURL:    d.Blob.URL,
		BlobMIME:   d.Blob.MIME,
		BlobLength: d.Blob.Length,
		Descriptor: []byte(msg.Event.Content),
		Digest:     digest,
		SharedAt:   eventTime(d.Timestamp, msg),
	}
	if c, ok := d.Blob.CID(); ok {
		rec.BlobCID = c.String()
	}
	if d.Metadata != nil {
		rec.Title = d.Metadata.Title
	}
	if d.Thumbnail != nil {
		rec.ThumbnailURL = d.Thumbnail.URL
	}
	return m.stores.Media.UpsertMedia(ctx, rec)
}

// projectLifecycle applies a revoke or delete. Only the item's owner or an
// admin of the group it was shared in may change it. A notice for an item
// not seen yet leaves a placeholder in this group so a later share from the
// same owner cannot resurrect it.
func (m *Manager) projectLifecycle(ctx context.Context, group, signer string, n payload.LifecycleNotice) error {
	admin, err := m.isAdmin(ctx, group, signer)
	if err != nil {
		return err
	}

	owner := signer
	cur, err := m.stores.Media.Media(ctx, n.ItemID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if admin {
			owner = ""
		}
	case err != nil:
		return err
	case cur.GroupID != group:
		return fmt.Errorf("%w: item %s belongs to another group", ErrMalformedPayload, n.ItemID)
	case cur.Owner != signer && !admin:
		return fmt.Errorf("%w: %s may not change item %s", ErrMalformedPayload, signer, n.ItemID)
	default:
		owner = cur.Owner
	}

	status := storage.MediaRevoked
	if n.Action == payload.ActionDelete {
		status = storage.MediaDeleted
	}
	if err := m.stores.Media.SetMediaStatus(ctx, n.ItemID, group, owner, status, n.Reason); err != nil {
		return err
	}
	if err := m.stores.Media.ClearCachedBlobs(ctx, n.ItemID, group); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (m *Manager) isAdmin(ctx context.Context, group, pubkey string) (bool, error) {
	g, err := m.eng.Group(ctx, engine.GroupID(group))
	if err != nil {
		return false, fmt.Errorf("group %s: %w", group, err)
	}
	return slices.Contains(g.Admins, pubkey), nil
}
