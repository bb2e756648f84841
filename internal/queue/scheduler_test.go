package queue

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tender-pipeline/internal/domain/tender"
)

type fakeSchedulerStore struct {
	staleIDs       []string
	staleAIChecks  []tender.AICheck
	updatedChecks  []tender.AICheck
	updatedStates  map[int64]tender.State
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{updatedStates: map[int64]tender.State{}}
}

func (f *fakeSchedulerStore) StaleExternalIDs(ctx context.Context, before time.Time) ([]string, error) {
	return f.staleIDs, nil
}

func (f *fakeSchedulerStore) StaleAIChecks(ctx context.Context, before time.Time) ([]tender.AICheck, error) {
	return f.staleAIChecks, nil
}

func (f *fakeSchedulerStore) UpdateAICheck(ctx context.Context, check tender.AICheck) error {
	f.updatedChecks = append(f.updatedChecks, check)
	return nil
}

func (f *fakeSchedulerStore) UpdateState(ctx context.Context, tenderID int64, state tender.State) error {
	f.updatedStates[tenderID] = state
	return nil
}

// a client with no reachable redis: safe to construct and pass around
// as long as EnqueueContext is never actually invoked.
func unusedAsynqClient() *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:1"})
}

func TestScheduler_StartAndStop(t *testing.T) {
	store := newFakeSchedulerStore()
	client := unusedAsynqClient()
	defer client.Close()

	s := NewScheduler(store, client, time.Hour, zap.NewNop())
	require.NoError(t, s.Start())
	s.Stop()
}

func TestSweepStaleTenders_NoCandidatesDoesNotTouchClient(t *testing.T) {
	store := newFakeSchedulerStore() // staleIDs empty
	client := unusedAsynqClient()
	defer client.Close()

	s := NewScheduler(store, client, time.Hour, zap.NewNop())
	assert.NotPanics(t, func() { s.sweepStaleTenders() })
}

func TestReapStaleAIChecks_MarksTimeoutAndRejectsTender(t *testing.T) {
	store := newFakeSchedulerStore()
	store.staleAIChecks = []tender.AICheck{{ID: 5, TenderID: 11, Status: tender.AIPending}}
	client := unusedAsynqClient()
	defer client.Close()

	s := NewScheduler(store, client, time.Hour, zap.NewNop())
	s.reapStaleAIChecks()

	require.Len(t, store.updatedChecks, 1)
	assert.Equal(t, tender.AITimeout, store.updatedChecks[0].Status)
	assert.Equal(t, tender.StateRejectedAI, store.updatedStates[11])
}

func TestReapStaleAIChecks_NoCandidatesIsNoop(t *testing.T) {
	store := newFakeSchedulerStore()
	client := unusedAsynqClient()
	defer client.Close()

	s := NewScheduler(store, client, time.Hour, zap.NewNop())
	s.reapStaleAIChecks()
	assert.Empty(t, store.updatedChecks)
}
