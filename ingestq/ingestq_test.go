package ingestq

import (
	"context"
	"testing"
	"time"

	"github.com/knowpool/dashd/dbopen"
	_ "modernc.org/sqlite"
)

func testQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishClaimAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{Visibility: time.Minute})

	if err := q.Publish(ctx, "j1", "upload", "doc-1"); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.DocumentID != "doc-1" || job.SourceID != "upload" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempts)
	}

	// Claimed job is invisible.
	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("expected no visible job, got %+v", again)
	}

	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestNackMakesVisible(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{Visibility: time.Minute})

	if err := q.Publish(ctx, "j1", "crawler", "doc-2"); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job, err = q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected nacked job to be claimable again")
	}
	if job.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", job.Attempts)
	}
}

func TestBacklog(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{Visibility: time.Minute})

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id, "mailroom", "doc-"+id); err != nil {
			t.Fatal(err)
		}
	}

	// Everything was created "now" — nothing is older than a cutoff in the past.
	n, err := q.Backlog(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 stale jobs, got %d", n)
	}

	// With a future cutoff all three are backlog.
	n, err = q.Backlog(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 backlog jobs, got %d", n)
	}

	jobs, err := q.OldestBacklog(ctx, time.Now().Add(time.Minute), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(jobs))
	}
	if jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatal("samples must be oldest-first")
	}
}

func TestRunProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := testQueue(t, Options{Visibility: time.Minute, PollInterval: 10 * time.Millisecond})

	if err := q.Publish(ctx, "j1", "upload", "doc-1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan string, 1)
	go q.Run(ctx, func(_ context.Context, job *Job) error {
		done <- job.DocumentID
		return nil
	})

	select {
	case id := <-done:
		if id != "doc-1" {
			t.Fatalf("unexpected document: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}
