package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSubmitAdmitsUnderCapacity(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())

	task, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), task.RecordID)
	assert.NotEmpty(t, task.LeaseID)
	assert.Equal(t, 1, s.InFlight("org/repo"))
}

func TestSubmitRejectsAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 1
	cfg.Mode = ModeReject
	s := newTestScheduler(t, cfg)

	_, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), 2, persona.Tess, "org/repo", 1)
	var rejected *AdmissionRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "org/repo", rejected.Scope)
	assert.Equal(t, 1, rejected.Capacity)

	// Another scope is unaffected.
	_, err = s.Submit(context.Background(), 3, persona.Tess, "org/other", 1)
	assert.NoError(t, err)
}

func TestSubmitQueuesFIFOAndAdmitsOnRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 2
	s := newTestScheduler(t, cfg)

	ctx := context.Background()

	first, err := s.Submit(ctx, 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)
	_, err = s.Submit(ctx, 2, persona.Tess, "org/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.InFlight("org/repo"))

	admitted := make(chan *Task, 1)
	go func() {
		task, err := s.Submit(ctx, 3, persona.Tess, "org/repo", 1)
		if err == nil {
			admitted <- task
		}
	}()

	// The third submission must wait, not sneak in.
	select {
	case <-admitted:
		t.Fatal("third submission admitted past capacity")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, s.QueueDepth("org/repo"))

	s.Release(first.LeaseID)

	select {
	case task := <-admitted:
		assert.Equal(t, int64(3), task.RecordID)
	case <-time.After(time.Second):
		t.Fatal("queued submission never admitted after release")
	}
	assert.Equal(t, 2, s.InFlight("org/repo"))
}

func TestCapacityExactUnderConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 3
	s := newTestScheduler(t, cfg)

	const submissions = 40

	var mu sync.Mutex
	active, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			task, err := s.Submit(context.Background(), id, persona.Factory, "org/repo", 1)
			if err != nil {
				t.Errorf("submit %d: %v", id, err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			s.Release(task.LeaseID)
		}(int64(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3, "semaphore capacity exceeded")
	assert.Equal(t, 0, s.InFlight("org/repo"), "leaked lease after all releases")
}

func TestReleaseIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 1
	s := newTestScheduler(t, cfg)

	task, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	s.Release(task.LeaseID)
	s.Release(task.LeaseID)

	assert.Equal(t, 0, s.InFlight("org/repo"))

	// The slot is usable again, exactly once.
	_, err = s.Submit(context.Background(), 2, persona.Tess, "org/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.InFlight("org/repo"))
}

func TestCanceledWaiterDoesNotHoldSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 1
	s := newTestScheduler(t, cfg)

	task, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, 2, persona.Tess, "org/repo", 1)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	s.Release(task.LeaseID)
	assert.Equal(t, 0, s.InFlight("org/repo"))
}

func TestReapReclaimsExpiredLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerScope = 1
	cfg.LeaseTTL = time.Minute
	s := newTestScheduler(t, cfg)

	base := time.Now()
	s.now = func() time.Time { return base }

	task, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		_, err := s.Submit(context.Background(), 2, persona.Tess, "org/repo", 1)
		assert.NoError(t, err)
		close(admitted)
	}()
	time.Sleep(20 * time.Millisecond)

	// The holder never renews; past the TTL the reaper frees the slot
	// and the waiter gets in.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.reap(context.Background())

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after lease reclaim")
	}

	// Releasing the reclaimed lease later must not double-free.
	s.Release(task.LeaseID)
	assert.Equal(t, 1, s.InFlight("org/repo"))
}

func TestRenewExtendsLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseTTL = time.Minute
	s := newTestScheduler(t, cfg)

	base := time.Now()
	s.now = func() time.Time { return base }

	task, err := s.Submit(context.Background(), 1, persona.Tess, "org/repo", 1)
	require.NoError(t, err)

	// Renew at T+50s pushes expiry to T+110s, so reaping at T+90s
	// leaves the lease alone.
	s.now = func() time.Time { return base.Add(50 * time.Second) }
	assert.True(t, s.Renew(task.LeaseID))

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.reap(context.Background())
	assert.Equal(t, 1, s.InFlight("org/repo"))

	s.Release(task.LeaseID)
	assert.False(t, s.Renew(task.LeaseID))
}
