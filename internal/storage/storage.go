// Package storage defines the durable stores written by the projection: the
// per-group cursor map and the media, reaction and report indexes.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// CursorStore persists the projection cursor map (group id -> last
// projected processing counter).
type CursorStore interface {
	LoadCursors(ctx context.Context) (map[string]uint64, error)
	// SaveCursors replaces the stored map with cursors.
	SaveCursors(ctx context.Context, cursors map[string]uint64) error
}

// MediaStatus is the lifecycle state of a shared item.
type MediaStatus string

const (
	MediaAvailable MediaStatus = "available"
	MediaRevoked   MediaStatus = "revoked"
	MediaDeleted   MediaStatus = "deleted"
)

// MediaRecord is the remote-media index entry for one shared item.
type MediaRecord struct {
	ItemID  string
	GroupID string
	Owner   string
	Signer  string
	Status  MediaStatus
	Reason  string

	Title        string
	BlobURL      string
	BlobMIME     string
	BlobLength   int64
	BlobCID      string // set when the blob locator is content-addressed
	ThumbnailURL string

	// Descriptor is the encoded share payload, Digest its multihash.
	Descriptor []byte
	Digest     string

	// Paths of locally cached copies, filled in by the media downloader.
	CachedBlob      string
	CachedThumbnail string

	SharedAt  time.Time
	UpdatedAt time.Time
}

// MediaIndex stores shared items.
type MediaIndex interface {
	// UpsertMedia creates or refreshes a record. A deleted record stays
	// deleted when rec comes from the same group and its owner matches, or
	// the record has no owner.
	UpsertMedia(ctx context.Context, rec MediaRecord) error
	// SetMediaStatus moves an item of groupID to status. Unknown items get
	// a placeholder record owned by owner so a later share cannot
	// resurrect them. Records of other groups are left alone.
	SetMediaStatus(ctx context.Context, itemID, groupID, owner string, status MediaStatus, reason string) error
	SetCachedBlobs(ctx context.Context, itemID, blob, thumbnail string) error
	ClearCachedBlobs(ctx context.Context, itemID, groupID string) error
	Media(ctx context.Context, itemID string) (*MediaRecord, error)
	ListMedia(ctx context.Context, groupID string) ([]MediaRecord, error)
}

// Reaction is one viewer's reaction to an item.
type Reaction struct {
	ItemID  string
	GroupID string
	Viewer  string
	Signer  string
	EventID string
	At      time.Time
}

// ReactionIndex stores reactions, at most one per item and viewer.
type ReactionIndex interface {
	AddReaction(ctx context.Context, r Reaction) error
	Reactions(ctx context.Context, itemID string) ([]Reaction, error)
}

// ReportStatus is the review state of a report.
type ReportStatus string

// ReportPending marks a report as received and awaiting review.
const ReportPending ReportStatus = "pending"

// Report flags an item for review.
type Report struct {
	ID         string
	ItemID     string
	GroupID    string
	Subject    string
	Reason     string
	Reporter   string
	EventID    string
	Status     ReportStatus
	ReceivedAt time.Time
}

// ReportIndex stores reports. Adding a report twice for the same event is a
// no-op.
type ReportIndex interface {
	AddReport(ctx context.Context, r Report) error
	Reports(ctx context.Context, status ReportStatus) ([]Report, error)
}
