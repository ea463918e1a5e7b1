package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// openStores tracks engine store paths opened in this process.
var (
	openStoresMu sync.Mutex
	openStores   = make(map[string]struct{})
)

// Serial runs every engine call on a single worker goroutine, one at a time.
// Read-only queries are queued the same way as mutations so no caller can
// observe a partially applied operation.
//
// A call whose context is cancelled while it is still queued is not run. A
// call that has started always runs to completion and its result is
// returned, even if the caller's context is cancelled meanwhile.
type Serial struct {
	eng    Engine
	path   string
	logger *slog.Logger

	reqs      chan *job
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type job struct {
	ctx      context.Context
	fn       func(Engine)
	skipped  error
	finished chan struct{}
}

// OpenSerial opens the engine store at path with open and wraps it. Only one
// Serial per store path may exist in the process at a time.
func OpenSerial(path string, open func(path string) (Engine, error), logger *slog.Logger) (*Serial, error) {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	openStoresMu.Lock()
	if _, ok := openStores[key]; ok {
		openStoresMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStoreInUse, path)
	}
	openStores[key] = struct{}{}
	openStoresMu.Unlock()

	eng, err := open(path)
	if err != nil {
		releaseStore(key)
		return nil, fmt.Errorf("open engine store: %w", err)
	}

	s := NewSerial(eng, logger)
	s.path = key
	return s, nil
}

func releaseStore(key string) {
	openStoresMu.Lock()
	delete(openStores, key)
	openStoresMu.Unlock()
}

// NewSerial wraps an already opened engine. The caller must not use eng
// directly afterwards.
func NewSerial(eng Engine, logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Serial{
		eng:     eng,
		logger:  logger,
		reqs:    make(chan *job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.reqs:
			if err := j.ctx.Err(); err != nil {
				j.skipped = err
			} else {
				s.exec(j)
			}
			close(j.finished)
		}
	}
}

func (s *Serial) exec(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine call panicked", "panic", r)
			j.skipped = fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	j.fn(s.eng)
}

// Close stops the worker and closes the engine. Queued calls that have not
// been picked up fail with ErrClosed. Safe to call more than once.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.stopped
		s.closeErr = s.eng.Close()
		if s.path != "" {
			releaseStore(s.path)
		}
	})
	return s.closeErr
}

func call[T any](ctx context.Context, s *Serial, fn func(Engine) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	j := &job{
		ctx:      ctx,
		finished: make(chan struct{}),
	}
	j.fn = func(e Engine) { out, err = fn(e) }

	select {
	case s.reqs <- j:
	case <-ctx.Done():
		return out, ctx.Err()
	case <-s.quit:
		return out, ErrClosed
	}

	<-j.finished
	if j.skipped != nil {
		return out, j.skipped
	}
	return out, err
}

func callErr(ctx context.Context, s *Serial, fn func(Engine) error) error {
	_, err := call(ctx, s, func(e Engine) (struct{}, error) {
		return struct{}{}, fn(e)
	})
	return err
}

// Exclusive runs fn on the engine worker, serialized with every engine call.
// It is used for state that must follow the same single-writer discipline
// as the engine store, such as the projection cursor map.
func (s *Serial) Exclusive(ctx context.Context, fn func() error) error {
	return callErr(ctx, s, func(Engine) error { return fn() })
}

func (s *Serial) CreateKeyPackage(ctx context.Context, pubkey string, relays []string) (string, nostr.Tags, error) {
	type kp struct {
		content string
		tags    nostr.Tags
	}
	out, err := call(ctx, s, func(e Engine) (kp, error) {
		c, t, err := e.CreateKeyPackage(pubkey, relays)
		return kp{c, t}, err
	})
	return out.content, out.tags, err
}

func (s *Serial) ParseKeyPackage(ctx context.Context, ev *nostr.Event) (*KeyPackage, error) {
	return call(ctx, s, func(e Engine) (*KeyPackage, error) { return e.ParseKeyPackage(ev) })
}

func (s *Serial) CreateGroup(ctx context.Context, creator string, memberKeyPackages []nostr.Event, cfg GroupConfig) (*CreateGroupResult, error) {
	return call(ctx, s, func(e Engine) (*CreateGroupResult, error) {
		return e.CreateGroup(creator, memberKeyPackages, cfg)
	})
}

func (s *Serial) AddMembers(ctx context.Context, id GroupID, keyPackages []nostr.Event) (*UpdateResult, error) {
	return call(ctx, s, func(e Engine) (*UpdateResult, error) { return e.AddMembers(id, keyPackages) })
}

func (s *Serial) RemoveMembers(ctx context.Context, id GroupID, pubkeys []string) (*UpdateResult, error) {
	return call(ctx, s, func(e Engine) (*UpdateResult, error) { return e.RemoveMembers(id, pubkeys) })
}

func (s *Serial) MergePendingCommit(ctx context.Context, id GroupID) error {
	return callErr(ctx, s, func(e Engine) error { return e.MergePendingCommit(id) })
}

func (s *Serial) ClearPendingCommit(ctx context.Context, id GroupID) error {
	return callErr(ctx, s, func(e Engine) error { return e.ClearPendingCommit(id) })
}

func (s *Serial) CreateMessage(ctx context.Context, id GroupID, rumor nostr.Event) (nostr.Event, error) {
	return call(ctx, s, func(e Engine) (nostr.Event, error) { return e.CreateMessage(id, rumor) })
}

func (s *Serial) ProcessMessage(ctx context.Context, ev *nostr.Event) (ProcessResult, error) {
	return call(ctx, s, func(e Engine) (ProcessResult, error) { return e.ProcessMessage(ev) })
}

func (s *Serial) ProcessWelcome(ctx context.Context, wrapperEventID string, rumor *nostr.Event) (*Welcome, error) {
	return call(ctx, s, func(e Engine) (*Welcome, error) { return e.ProcessWelcome(wrapperEventID, rumor) })
}

func (s *Serial) PendingWelcomes(ctx context.Context) ([]Welcome, error) {
	return call(ctx, s, func(e Engine) ([]Welcome, error) { return e.PendingWelcomes() })
}

func (s *Serial) AcceptWelcome(ctx context.Context, welcomeID string) error {
	return callErr(ctx, s, func(e Engine) error { return e.AcceptWelcome(welcomeID) })
}

func (s *Serial) DeclineWelcome(ctx context.Context, welcomeID string) error {
	return callErr(ctx, s, func(e Engine) error { return e.DeclineWelcome(welcomeID) })
}

func (s *Serial) Groups(ctx context.Context) ([]Group, error) {
	return call(ctx, s, func(e Engine) ([]Group, error) { return e.Groups() })
}

func (s *Serial) Group(ctx context.Context, id GroupID) (*Group, error) {
	return call(ctx, s, func(e Engine) (*Group, error) { return e.Group(id) })
}

func (s *Serial) Members(ctx context.Context, id GroupID) ([]string, error) {
	return call(ctx, s, func(e Engine) ([]string, error) { return e.Members(id) })
}

func (s *Serial) Relays(ctx context.Context, id GroupID) ([]string, error) {
	return call(ctx, s, func(e Engine) ([]string, error) { return e.Relays(id) })
}

func (s *Serial) Messages(ctx context.Context, id GroupID) ([]Message, error) {
	return call(ctx, s, func(e Engine) ([]Message, error) { return e.Messages(id) })
}
