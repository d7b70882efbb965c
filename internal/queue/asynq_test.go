package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/beatgen/api/internal/model"
)

const testRedisAddr = "localhost:6379"

// newRedisBroker uses DB 15 so tests never collide with a development queue.
func newRedisBroker(t *testing.T, opts Options) *AsynqBroker {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: testRedisAddr, DB: 15})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", testRedisAddr, err)
	}

	opts.Queue = "exports-test-" + uuid.NewString()[:8]
	b := NewAsynqBroker(AsynqConfig{
		Redis:    asynq.RedisClientOpt{Addr: testRedisAddr, DB: 15},
		Options:  opts,
		LogLevel: asynq.ErrorLevel,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestStateFromTaskInfo(t *testing.T) {
	done := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		info asynq.TaskInfo
		want model.JobStatus
	}{
		{"pending", asynq.TaskInfo{State: asynq.TaskStatePending}, model.JobStatusQueued},
		{"retry", asynq.TaskInfo{State: asynq.TaskStateRetry}, model.JobStatusQueued},
		{"active", asynq.TaskInfo{State: asynq.TaskStateActive}, model.JobStatusActive},
		{"completed", asynq.TaskInfo{State: asynq.TaskStateCompleted, Result: []byte("/exports/x.mid"), CompletedAt: done}, model.JobStatusCompleted},
		{"archived", asynq.TaskInfo{State: asynq.TaskStateArchived, LastErr: "render failed: skip retry for the task"}, model.JobStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := stateFromTaskInfo(&tc.info)
			if st.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, st.Status)
			}
			if st.UpdatedAt.IsZero() {
				t.Fatal("expected updatedAt to be set")
			}
		})
	}

	st := stateFromTaskInfo(&asynq.TaskInfo{State: asynq.TaskStateArchived, LastErr: "render failed: skip retry for the task"})
	if st.Error != "render failed" {
		t.Fatalf("expected skip-retry suffix to be trimmed, got %q", st.Error)
	}
	st = stateFromTaskInfo(&asynq.TaskInfo{State: asynq.TaskStateCompleted, Result: []byte("/exports/x.mid"), CompletedAt: done})
	if st.ResultRef != "/exports/x.mid" || !st.UpdatedAt.Equal(done) {
		t.Fatalf("unexpected completed state %+v", st)
	}
}

func TestAsynqBrokerLifecycle(t *testing.T) {
	b := newRedisBroker(t, Options{PollInterval: 5 * time.Second, LeaseTimeout: 30 * time.Second})
	ctx := context.Background()

	okID, badID := uuid.NewString(), uuid.NewString()
	if err := b.Enqueue(ctx, okID, Metadata{Kind: model.ExportKindMIDI}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, okID, Metadata{Kind: model.ExportKindMIDI}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := b.Enqueue(ctx, badID, Metadata{Kind: model.ExportKindWAV}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st, err := b.State(ctx, okID)
	if err != nil || st.Status != model.JobStatusQueued {
		t.Fatalf("expected queued, got %+v (%v)", st, err)
	}

	settled := map[string]bool{}
	for len(settled) < 2 {
		item, err := b.Lease(ctx)
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		switch item.JobID {
		case okID:
			if err := b.Ack(ctx, item, "/exports/"+okID+".mid"); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case badID:
			if item.Kind != model.ExportKindWAV {
				t.Fatalf("expected wav kind, got %q", item.Kind)
			}
			if err := b.Nack(ctx, item, errors.New("fluidsynth missing")); err != nil {
				t.Fatalf("Nack: %v", err)
			}
		}
		settled[item.JobID] = true
	}

	waitForState := func(id string, want model.JobStatus) *ItemState {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			st, err := b.State(ctx, id)
			if err == nil && st.Status == want {
				return st
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatalf("job %s never reached %s", id, want)
		return nil
	}

	if st := waitForState(okID, model.JobStatusCompleted); st.ResultRef != "/exports/"+okID+".mid" {
		t.Fatalf("unexpected result ref %q", st.ResultRef)
	}
	if st := waitForState(badID, model.JobStatusFailed); st.Error != "fluidsynth missing" {
		t.Fatalf("unexpected error %q", st.Error)
	}

	if _, err := b.State(ctx, uuid.NewString()); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestStateFromTaskInfoCarriesKind(t *testing.T) {
	task, err := newExportTask("job-1", model.ExportKindWAV)
	if err != nil {
		t.Fatalf("newExportTask: %v", err)
	}
	st := stateFromTaskInfo(&asynq.TaskInfo{ID: "job-1", State: asynq.TaskStateActive, Payload: task.Payload()})
	if st.Kind != model.ExportKindWAV {
		t.Fatalf("expected wav kind, got %q", st.Kind)
	}

	st = stateFromTaskInfo(&asynq.TaskInfo{ID: "job-2", State: asynq.TaskStatePending, Payload: []byte("not json")})
	if st.Kind != "" {
		t.Fatalf("expected no kind for an unreadable payload, got %q", st.Kind)
	}
}

func TestAsynqBrokerLeaseAfterClose(t *testing.T) {
	b := NewAsynqBroker(AsynqConfig{
		Redis:    asynq.RedisClientOpt{Addr: "127.0.0.1:1"},
		Options:  Options{PollInterval: 10 * time.Millisecond},
		LogLevel: asynq.ErrorLevel,
	})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Lease(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("server must not start after Close, got %v", err)
	}
}

func TestAsynqBrokerConcurrentLeaseAndClose(t *testing.T) {
	b := newRedisBroker(t, Options{PollInterval: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if _, err := b.Lease(context.Background()); errors.Is(err, ErrClosed) {
				return
			}
		}
	}()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lease loop did not observe Close")
	}
}
