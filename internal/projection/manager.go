// Package projection applies decrypted application messages to the durable
// indexes, exactly once and in per-group order.
//
// Each group has a cursor: the processing counter of the last message
// applied. A refresh reads the group's messages from the engine, applies
// those above the cursor in ascending order and then persists the cursor
// map. The cursor map is only touched through Serial.Exclusive, the same
// single-writer discipline as the engine store.
package projection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/storage"
)

var ErrMalformedPayload = errors.New("malformed application payload")

// Config configures a Manager.
type Config struct {
	// Interval is the period of the fallback refresh. Default: 10s.
	Interval time.Duration

	Logger *slog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stores are the durable targets of the projection.
type Stores struct {
	Cursors   storage.CursorStore
	Media     storage.MediaIndex
	Reactions storage.ReactionIndex
	Reports   storage.ReportIndex
}

// Manager projects application messages into Stores.
type Manager struct {
	cfg    Config
	eng    *engine.Serial
	stores Stores
	logger *slog.Logger

	// cursors is only accessed inside eng.Exclusive.
	cursors map[string]uint64

	runMu             sync.Mutex
	refreshInProgress atomic.Bool

	notifyCh chan struct{}
	groupCh  chan struct{}

	pendingMu     sync.Mutex
	pendingGroups map[engine.GroupID]struct{}
}

// NewManager creates a Manager. Call Load before the first refresh to pick up
// persisted cursors.
func NewManager(cfg Config, eng *engine.Serial, stores Stores) *Manager {
	cfg.ApplyDefaults()
	return &Manager{
		cfg:           cfg,
		eng:           eng,
		stores:        stores,
		logger:        cfg.Logger,
		cursors:       make(map[string]uint64),
		notifyCh:      make(chan struct{}, 1),
		groupCh:       make(chan struct{}, 1),
		pendingGroups: make(map[engine.GroupID]struct{}),
	}
}

// Load reads the persisted cursor map. Cursors never move backwards: a
// loaded value lower than the in-memory one is ignored.
func (m *Manager) Load(ctx context.Context) error {
	loaded, err := m.stores.Cursors.LoadCursors(ctx)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	return m.eng.Exclusive(ctx, func() error {
		for id, at := range loaded {
			if at > m.cursors[id] {
				m.cursors[id] = at
			}
		}
		return nil
	})
}

// Cursor returns the in-memory cursor of a group.
func (m *Manager) Cursor(ctx context.Context, id engine.GroupID) (uint64, error) {
	var at uint64
	err := m.eng.Exclusive(ctx, func() error {
		at = m.cursors[string(id)]
		return nil
	})
	return at, err
}

func (m *Manager) advance(ctx context.Context, id engine.GroupID, at uint64) error {
	return m.eng.Exclusive(ctx, func() error {
		if at > m.cursors[string(id)] {
			m.cursors[string(id)] = at
		}
		return nil
	})
}

func (m *Manager) persist(ctx context.Context) error {
	var snapshot map[string]uint64
	if err := m.eng.Exclusive(ctx, func() error {
		snapshot = maps.Clone(m.cursors)
		return nil
	}); err != nil {
		return err
	}
	if err := m.stores.Cursors.SaveCursors(ctx, snapshot); err != nil {
		return fmt.Errorf("save cursors: %w", err)
	}
	return nil
}

// Notify requests a full refresh from the Start loop. It never blocks.
func (m *Manager) Notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// NotifyGroup requests a refresh of one group from the Start loop. It never
// blocks.
func (m *Manager) NotifyGroup(id engine.GroupID) {
	m.pendingMu.Lock()
	m.pendingGroups[id] = struct{}{}
	m.pendingMu.Unlock()
	select {
	case m.groupCh <- struct{}{}:
	default:
	}
}

func (m *Manager) takePendingGroups() []engine.GroupID {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	ids := slices.Collect(maps.Keys(m.pendingGroups))
	clear(m.pendingGroups)
	slices.Sort(ids)
	return ids
}

// Start runs the refresh loop until ctx is cancelled: on Notify, on
// NotifyGroup and every Interval.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logError(m.Refresh(ctx))
		case <-m.notifyCh:
			m.logError(m.Refresh(ctx))
		case <-m.groupCh:
			for _, id := range m.takePendingGroups() {
				m.logError(m.RefreshGroup(ctx, id))
			}
		}
	}
}

func (m *Manager) logError(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("projection refresh failed", "error", err)
	}
}

// Refresh projects every group. A call made while another full refresh is
// running returns immediately; the periodic refresh picks up anything it
// would have done.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.refreshInProgress.CompareAndSwap(false, true) {
		m.logger.Debug("refresh already in progress, skipping")
		return nil
	}
	defer m.refreshInProgress.Store(false)

	groups, err := m.eng.Groups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := m.projectGroup(ctx, g.ID); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g.ID, err))
		}
	}
	if err := m.persist(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RefreshGroup projects a single group.
func (m *Manager) RefreshGroup(ctx context.Context, id engine.GroupID) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	err := m.projectGroup(ctx, id)
	if perr := m.persist(ctx); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

// projectGroup applies the messages of id above its cursor. A malformed
// message is skipped; any other failure stops the group so the message is
// retried on the next refresh.
func (m *Manager) projectGroup(ctx context.Context, id engine.GroupID) error {
	msgs, err := m.eng.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	cursor, err := m.Cursor(ctx, id)
	if err != nil {
		return err
	}

	pending := slices.DeleteFunc(msgs, func(msg engine.Message) bool {
		return msg.ProcessedAt <= cursor
	})
	slices.SortFunc(pending, func(a, b engine.Message) int {
		return cmp.Compare(a.ProcessedAt, b.ProcessedAt)
	})

	applied := 0
	for _, msg := range pending {
		err := m.apply(ctx, msg)
		switch {
		case errors.Is(err, ErrMalformedPayload):
			m.logger.Warn("skipping malformed message",
				"groupID", id, "eventID", msg.EventID, "kind", msg.Event.Kind, "error", err)
		case err != nil:
			return fmt.Errorf("project %s: %w", msg.EventID, err)
		default:
			applied++
		}
		if err := m.advance(ctx, id, msg.ProcessedAt); err != nil {
			return err
		}
	}
	if applied > 0 {
		m.logger.Debug("projected messages", "groupID", id, "count", applied)
	}
	return nil
}
