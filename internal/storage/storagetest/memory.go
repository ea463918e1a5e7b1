// Package storagetest provides in-memory implementations of the storage
// interfaces for tests.
package storagetest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/relves/familysync/internal/storage"
)

// Memory implements every storage interface in memory.
type Memory struct {
	mu        sync.Mutex
	cursors   map[string]uint64
	media     map[string]*storage.MediaRecord
	reactions map[string]storage.Reaction
	reports   map[string]storage.Report

	writes  int
	saveErr error
}

var (
	_ storage.CursorStore   = (*Memory)(nil)
	_ storage.MediaIndex    = (*Memory)(nil)
	_ storage.ReactionIndex = (*Memory)(nil)
	_ storage.ReportIndex   = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		cursors:   make(map[string]uint64),
		media:     make(map[string]*storage.MediaRecord),
		reactions: make(map[string]storage.Reaction),
		reports:   make(map[string]storage.Report),
	}
}

// Writes returns the number of index writes so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailSaves makes SaveCursors return err until called with nil.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *Memory) LoadCursors(ctx context.Context) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.cursors), nil
}

func (m *Memory) SaveCursors(ctx context.Context, cursors map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cursors = maps.Clone(cursors)
	return nil
}

func (m *Memory) UpsertMedia(ctx context.Context, rec storage.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if cur, ok := m.media[rec.ItemID]; ok {
		rec.CachedBlob, rec.CachedThumbnail = cur.CachedBlob, cur.CachedThumbnail
		if cur.Status == storage.MediaDeleted && cur.GroupID == rec.GroupID &&
			(cur.Owner == "" || cur.Owner == rec.Owner) {
			rec.Status, rec.Reason = cur.Status, cur.Reason
		}
	}
	rec.UpdatedAt = time.Now()
	m.media[rec.ItemID] = &rec
	return nil
}

func (m *Memory) SetMediaStatus(ctx context.Context, itemID, groupID, owner string, status storage.MediaStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	rec, ok := m.media[itemID]
	if !ok {
		rec = &storage.MediaRecord{ItemID: itemID, GroupID: groupID, Owner: owner}
		m.media[itemID] = rec
	}
	if rec.Status == storage.MediaDeleted || rec.GroupID != groupID {
		return nil
	}
	rec.Status = status
	rec.Reason = reason
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetCachedBlobs(ctx context.Context, itemID, blob, thumbnail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.media[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, itemID)
	}
	rec.CachedBlob, rec.CachedThumbnail = blob, thumbnail
	return nil
}

func (m *Memory) ClearCachedBlobs(ctx context.Context, itemID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.media[itemID]; ok && rec.GroupID == groupID {
		m.writes++
		rec.CachedBlob, rec.CachedThumbnail = "", ""
	}
	return nil
}

func (m *Memory) Media(ctx context.Context, itemID string) (*storage.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.media[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, itemID)
	}
	out := *rec
	return &out, nil
}

func (m *Memory) ListMedia(ctx context.Context, groupID string) ([]storage.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.MediaRecord
	for _, rec := range m.media {
		if groupID == "" || rec.GroupID == groupID {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b storage.MediaRecord) int { return cmp.Compare(a.ItemID, b.ItemID) })
	return out, nil
}

func (m *Memory) AddReaction(ctx context.Context, r storage.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.ItemID + "/" + r.Viewer
	if _, ok := m.reactions[key]; ok {
		return nil
	}
	m.writes++
	m.reactions[key] = r
	return nil
}

func (m *Memory) Reactions(ctx context.Context, itemID string) ([]storage.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Reaction
	for _, r := range m.reactions {
		if r.ItemID == itemID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b storage.Reaction) int { return cmp.Compare(a.Viewer, b.Viewer) })
	return out, nil
}

func (m *Memory) AddReport(ctx context.Context, r storage.Report) error {
	if r.EventID == "" {
		return errors.New("report without event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.EventID]; ok {
		return nil
	}
	m.writes++
	m.reports[r.EventID] = r
	return nil
}

func (m *Memory) Reports(ctx context.Context, status storage.ReportStatus) ([]storage.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Report
	for _, r := range m.reports {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b storage.Report) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
	return out, nil
}
