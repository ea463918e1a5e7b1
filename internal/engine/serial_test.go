package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/engine/memengine"
)

// countingEngine records how many calls overlap. Methods not overridden panic
// through the nil embedded interface.
type countingEngine struct {
	engine.Engine
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	delay       time.Duration
	block       chan struct{}
	closed      atomic.Int32
}

func (p *countingEngine) Groups() ([]engine.Group, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if p.block != nil {
		<-p.block
	}
	time.Sleep(p.delay)
	p.calls.Add(1)
	return nil, nil
}

func (p *countingEngine) Members(id engine.GroupID) ([]string, error) {
	panic("boom")
}

func (p *countingEngine) Close() error {
	p.closed.Add(1)
	return nil
}

func TestSerial_NoOverlappingCalls(t *testing.T) {
	fake := &countingEngine{delay: time.Millisecond}
	s := engine.NewSerial(fake, nil)
	defer s.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Groups(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(32), fake.calls.Load())
	assert.Equal(t, int32(1), fake.maxInFlight.Load())
}

func TestSerial_CancelledWhileQueuedIsNotRun(t *testing.T) {
	fake := &countingEngine{block: make(chan struct{})}
	s := engine.NewSerial(fake, nil)
	defer s.Close()

	first := make(chan error, 1)
	go func() {
		_, err := s.Groups(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool { return fake.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := s.Groups(ctx)
		second <- err
	}()
	cancel()
	assert.ErrorIs(t, <-second, context.Canceled)

	close(fake.block)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestSerial_PanicBecomesError(t *testing.T) {
	s := engine.NewSerial(&countingEngine{}, nil)
	defer s.Close()

	_, err := s.Members(context.Background(), "g")
	assert.ErrorIs(t, err, engine.ErrEnginePanic)

	_, err = s.Groups(context.Background())
	assert.NoError(t, err, "worker survives a panicking call")
}

func TestSerial_CloseIdempotent(t *testing.T) {
	fake := &countingEngine{}
	s := engine.NewSerial(fake, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), fake.closed.Load())

	_, err := s.Groups(context.Background())
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestOpenSerial_SingleInstancePerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.json")

	s1, err := engine.OpenSerial(path, memengine.Open, nil)
	require.NoError(t, err)

	_, err = engine.OpenSerial(path, memengine.Open, nil)
	assert.ErrorIs(t, err, engine.ErrStoreInUse)

	require.NoError(t, s1.Close())

	s2, err := engine.OpenSerial(path, memengine.Open, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestSerial_Exclusive(t *testing.T) {
	fake := &countingEngine{delay: time.Millisecond}
	s := engine.NewSerial(fake, nil)
	defer s.Close()

	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Groups(context.Background())
		}()
		go func() {
			defer wg.Done()
			err := s.Exclusive(context.Background(), func() error {
				assert.Equal(t, int32(0), fake.inFlight.Load())
				inside.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), inside.Load())
}
