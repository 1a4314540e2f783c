package crmsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// fakeCRM fails the first failuresPerLead pushes of each identity, then
// succeeds. failErr controls the error class returned.
type fakeCRM struct {
	mu              sync.Mutex
	failuresPerLead int
	failErr         error
	calls           map[string]int
	succeeded       []string
}

func (f *fakeCRM) UpsertLead(_ context.Context, lead model.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[lead.Identity]++
	if f.calls[lead.Identity] <= f.failuresPerLead {
		return f.failErr
	}
	f.succeeded = append(f.succeeded, lead.Identity)
	return nil
}

func newSyncTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedVerified(t *testing.T, st store.Store, identities ...string) {
	t.Helper()

	for _, id := range identities {
		_, err := st.UpsertLead(context.Background(), store.UpsertParams{
			Identity:    id,
			DisplayName: id,
			Status:      model.StatusVerified,
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
}

func singleAttemptRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
}

func TestRunOnce_SyncsPendingLeads(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "aditi", "peter")
	crm := &fakeCRM{}

	s := NewScheduler(st, crm, SchedulerConfig{Retry: singleAttemptRetry()})
	res := s.RunOnce(context.Background())

	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"aditi", "peter"}, crm.succeeded)

	pending, err := st.ListPendingSync(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	synced, err := st.ListLeads(context.Background(), store.LeadFilter{SyncState: model.SyncSynced})
	require.NoError(t, err)
	assert.Len(t, synced, 2)
}

func TestRunOnce_TransientFailureRetriedNextRun(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "aditi")
	crm := &fakeCRM{
		failuresPerLead: 1,
		failErr:         resilience.NewTransientError(errors.New("timeout"), 503),
	}

	s := NewScheduler(st, crm, SchedulerConfig{MaxAttempts: 3, Retry: singleAttemptRetry()})

	res := s.RunOnce(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Synced)

	res = s.RunOnce(context.Background())
	assert.Equal(t, 1, res.Synced)

	// Exactly one successful push reached the CRM across both runs.
	assert.Equal(t, []string{"aditi"}, crm.succeeded)
	assert.Equal(t, 2, crm.calls["aditi"])

	synced, err := st.ListLeads(context.Background(), store.LeadFilter{SyncState: model.SyncSynced})
	require.NoError(t, err)
	assert.Len(t, synced, 1)
}

func TestRunOnce_FailedIsTerminalAfterMaxAttempts(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "hopeless")
	crm := &fakeCRM{
		failuresPerLead: 100,
		// Permanent: the CRM rejects the record, connectivity is fine.
		failErr: resilience.NewPermanentError(errors.New("bad record"), 400),
	}

	s := NewScheduler(st, crm, SchedulerConfig{MaxAttempts: 2, Retry: singleAttemptRetry()})

	for i := 0; i < 2; i++ {
		res := s.RunOnce(context.Background())
		assert.Equal(t, 1, res.Failed, "run %d", i)
	}

	failed, err := st.ListLeads(context.Background(), store.LeadFilter{SyncState: model.SyncFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].SyncAttempts)

	// Terminal: further runs pick up nothing.
	res := s.RunOnce(context.Background())
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 2, crm.calls["hopeless"])
}

func TestRunOnce_AbortsWhenCRMUnreachable(t *testing.T) {
	st := newSyncTestStore(t)
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("lead-%d", i)
	}
	seedVerified(t, st, ids...)

	crm := &fakeCRM{
		failuresPerLead: 100,
		failErr:         resilience.NewTransientError(errors.New("connection refused"), 0),
	}
	s := NewScheduler(st, crm, SchedulerConfig{MaxAttempts: 100, Retry: singleAttemptRetry()})

	res := s.RunOnce(context.Background())

	// The breaker opens after consecutive connectivity failures and the
	// rest of the batch is left untouched.
	assert.True(t, res.Aborted)
	assert.Less(t, res.Attempted, len(ids))

	pending, err := st.ListPendingSync(context.Background(), 20)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
	assert.Len(t, pending, len(ids)-res.Attempted)
}

// cancellingCRM cancels the run context after its first successful push.
type cancellingCRM struct {
	fakeCRM
	cancel context.CancelFunc
}

func (c *cancellingCRM) UpsertLead(ctx context.Context, lead model.Lead) error {
	err := c.fakeCRM.UpsertLead(ctx, lead)
	c.cancel()
	return err
}

func TestRunOnce_CancelMidRunAbortsRemainder(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "first", "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crm := &cancellingCRM{cancel: cancel}

	s := NewScheduler(st, crm, SchedulerConfig{Retry: singleAttemptRetry()})
	res := s.RunOnce(ctx)

	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Attempted)
	// The pushed lead is still marked synced on the detached context.
	assert.Equal(t, 1, res.Synced)

	pending, err := st.ListPendingSync(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Identity)
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	st := newSyncTestStore(t)
	crm := &fakeCRM{}

	s := NewScheduler(st, crm, SchedulerConfig{Retry: singleAttemptRetry()})
	res := s.RunOnce(context.Background())

	assert.Zero(t, res.Attempted)
	assert.Empty(t, crm.calls)
}

// interruptedCRM simulates shutdown arriving mid-push: it cancels the run
// context and reports the cancellation as the push error.
type interruptedCRM struct {
	cancel context.CancelFunc
}

func (c *interruptedCRM) UpsertLead(ctx context.Context, _ model.Lead) error {
	c.cancel()
	return ctx.Err()
}

func TestRunOnce_InterruptedPushKeepsRetryBudget(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "aditi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crm := &interruptedCRM{cancel: cancel}

	s := NewScheduler(st, crm, SchedulerConfig{MaxAttempts: 3, Retry: singleAttemptRetry()})
	res := s.RunOnce(ctx)

	assert.True(t, res.Aborted)
	assert.Equal(t, 0, res.Failed)

	// The cancellation was not the CRM's fault: no attempt is charged and
	// the lead stays pending for the next run.
	pending, err := st.ListPendingSync(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "aditi", pending[0].Identity)
	assert.Equal(t, 0, pending[0].SyncAttempts)
}

// blockingCRM holds each push until released, so a test can cancel the run
// context while an item is in flight.
type blockingCRM struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingCRM) UpsertLead(_ context.Context, _ model.Lead) error {
	close(c.started)
	<-c.release
	return nil
}

func TestRun_FinishesInFlightItemBeforeReturning(t *testing.T) {
	st := newSyncTestStore(t)
	seedVerified(t, st, "aditi")
	crm := &blockingCRM{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	s := NewScheduler(st, crm, SchedulerConfig{
		Interval: 5 * time.Millisecond,
		Retry:    singleAttemptRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-crm.started
	cancel()
	close(crm.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	// Run only returned after the in-flight push completed and its store
	// transition was recorded.
	synced, err := st.ListLeads(context.Background(), store.LeadFilter{SyncState: model.SyncSynced})
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, "aditi", synced[0].Identity)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := newSyncTestStore(t)
	crm := &fakeCRM{}
	s := NewScheduler(st, crm, SchedulerConfig{
		Interval: 10 * time.Millisecond,
		Retry:    singleAttemptRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
