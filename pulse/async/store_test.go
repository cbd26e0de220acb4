package async

import (
	"testing"
	"time"

	"github.com/teranos/roster/errors"
	rostertest "github.com/teranos/roster/internal/testing"
)

// ============================================================================
// Kirby Store Test Universe
// ============================================================================
//
// Characters:
//   - Kirby: Inhales jobs into the store and spits them back out intact
//   - Cronos: Greek god of time, appears for time-sensitive store operations
// ============================================================================

func TestKirbyRoundTripsJob(t *testing.T) {
	t.Log("⭐ Kirby inhales a job and spits it back out")

	store := NewStore(rostertest.CreateTestDB(t))
	job := createTestJob(t, "roster.fetch-avatar", "group:dreamland")

	if err := store.CreateJob(job); err != nil {
		t.Fatalf("Kirby failed to store job: %v", err)
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("Kirby failed to retrieve job: %v", err)
	}
	if got.HandlerName != job.HandlerName || got.Source != job.Source {
		t.Errorf("Kirby got wrong job back: %+v", got)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Errorf("payload changed: %s != %s", got.Payload, job.Payload)
	}
	if got.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got.RunAfter != nil || got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("nullable times should stay nil")
	}
}

func TestKirbyMissingJobIsNotFound(t *testing.T) {
	store := NewStore(rostertest.CreateTestDB(t))

	_, err := store.GetJob("nope")
	if !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found error, got %v", err)
	}

	ghost := createTestJob(t, "test.handler", "ghost")
	if err := store.UpdateJob(ghost); !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found updating missing job, got %v", err)
	}
	if err := store.DeleteJob(ghost.ID); !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found deleting missing job, got %v", err)
	}
}

func TestKirbyUpdatesJob(t *testing.T) {
	store := NewStore(rostertest.CreateTestDB(t))
	job := createTestJob(t, "test.handler", "update")
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	job.Start()
	job.RetryCount = 2
	job.Error = "busy"
	if err := store.UpdateJob(job); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != JobStatusRunning || got.RetryCount != 2 || got.Error != "busy" {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("started_at not persisted")
	}
}

func TestCronosNextReadyHonorsRunAfter(t *testing.T) {
	t.Log("⏰ Cronos holds a job back until its time comes")

	store := NewStore(rostertest.CreateTestDB(t))
	now := time.Now()

	later := createTestJob(t, "test.handler", "later")
	later.CreatedAt = now.Add(-2 * time.Minute)
	runAfter := now.Add(time.Hour)
	later.RunAfter = &runAfter

	ready := createTestJob(t, "test.handler", "ready")
	ready.CreatedAt = now.Add(-time.Minute)

	for _, j := range []*Job{later, ready} {
		if err := store.CreateJob(j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.NextReady(now)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != ready.ID {
		t.Fatalf("Cronos expected the ready job, got %+v", got)
	}

	got, err = store.NextReady(now.Add(2 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != later.ID {
		t.Fatalf("Cronos expected the older delayed job once due, got %+v", got)
	}
}

func TestKirbyListsJobs(t *testing.T) {
	store := NewStore(rostertest.CreateTestDB(t))
	base := time.Now().Add(-time.Hour)

	statuses := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed}
	for i, s := range statuses {
		j := createTestJob(t, "test.handler", "list")
		j.Status = s
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateJob(j); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListJobs(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(all))
	}
	if all[0].Status != JobStatusFailed {
		t.Errorf("expected newest first, got %s", all[0].Status)
	}

	completed := JobStatusCompleted
	done, err := store.ListJobs(&completed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Errorf("expected 1 completed job, got %d", len(done))
	}

	active, err := store.ListActiveJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active jobs, got %d", len(active))
	}

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[JobStatusQueued] != 1 || counts[JobStatusRunning] != 1 || counts[JobStatusCancelled] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestCronosCleanupOldJobs(t *testing.T) {
	t.Log("⏰ Cronos sweeps away finished jobs from long ago")

	store := NewStore(rostertest.CreateTestDB(t))
	old := time.Now().Add(-48 * time.Hour)

	oldDone := createTestJob(t, "test.handler", "old-done")
	oldDone.Complete()
	oldDone.UpdatedAt = old

	oldQueued := createTestJob(t, "test.handler", "old-queued")
	oldQueued.UpdatedAt = old

	freshDone := createTestJob(t, "test.handler", "fresh-done")
	freshDone.Complete()

	for _, j := range []*Job{oldDone, oldQueued, freshDone} {
		if err := store.CreateJob(j); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.CleanupOldJobs(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Cronos expected to remove 1 job, removed %d", n)
	}
	if _, err := store.GetJob(oldQueued.ID); err != nil {
		t.Errorf("queued job must survive cleanup: %v", err)
	}
	if _, err := store.GetJob(freshDone.ID); err != nil {
		t.Errorf("recent job must survive cleanup: %v", err)
	}
}

func TestKirbyFindsQueuedDuplicate(t *testing.T) {
	store := NewStore(rostertest.CreateTestDB(t))

	running := createTestJob(t, "roster.continue-sync", "group:a")
	running.Start()
	if err := store.CreateJob(running); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindQueuedJobBySourceAndHandler("group:a", "roster.continue-sync")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("running job must not count as waiting duplicate, got %s", got.ID)
	}

	queued := createTestJob(t, "roster.continue-sync", "group:a")
	if err := store.CreateJob(queued); err != nil {
		t.Fatal(err)
	}
	got, err = store.FindQueuedJobBySourceAndHandler("group:a", "roster.continue-sync")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != queued.ID {
		t.Fatalf("expected queued duplicate, got %+v", got)
	}

	got, err = store.FindQueuedJobBySourceAndHandler("group:a", "roster.fetch-avatar")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("different handler must not match")
	}
}
