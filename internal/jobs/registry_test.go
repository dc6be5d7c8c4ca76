package jobs

import (
	"errors"
	"sync"
	"testing"

	vserrors "github.com/vitalstore/vitalstore/internal/errors"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()

	id := r.Create("ingest")
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	job, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.State != StatePending {
		t.Errorf("new job state = %s, want %s", job.State, StatePending)
	}
	if job.Progress != 0 {
		t.Errorf("new job progress = %d, want 0", job.Progress)
	}
	if job.Kind != "ingest" {
		t.Errorf("job kind = %s, want ingest", job.Kind)
	}
}

func TestGetUnknownJob(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("no-such-job")
	if !errors.Is(err, vserrors.ErrJobNotFound) {
		t.Errorf("Get unknown job error = %v, want ErrJobNotFound", err)
	}
}

func TestLifecycleCompleted(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.AddProgress(id, 100); err != nil {
		t.Fatalf("AddProgress failed: %v", err)
	}
	if err := r.AddProgress(id, 50); err != nil {
		t.Fatalf("AddProgress failed: %v", err)
	}
	if err := r.Complete(id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	job, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.State != StateCompleted {
		t.Errorf("state = %s, want %s", job.State, StateCompleted)
	}
	if job.Progress != 150 {
		t.Errorf("progress = %d, want 150", job.Progress)
	}
	if job.Total == nil || *job.Total != 150 {
		t.Errorf("total = %v, want 150", job.Total)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set on completion")
	}
}

func TestTotalUnknownUntilCompletion(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.AddProgress(id, 10); err != nil {
		t.Fatalf("AddProgress failed: %v", err)
	}

	job, _ := r.Get(id)
	if job.Total != nil {
		t.Errorf("total before completion = %v, want nil", job.Total)
	}
	if job.FinishedAt != nil {
		t.Errorf("finished_at before completion = %v, want nil", job.FinishedAt)
	}

	if err := r.Complete(id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	job, _ = r.Get(id)
	if job.Total == nil || *job.Total != 10 {
		t.Errorf("total after completion = %v, want 10", job.Total)
	}
}

func TestFailKeepsProgress(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.AddProgress(id, 42); err != nil {
		t.Fatalf("AddProgress failed: %v", err)
	}
	if err := r.Fail(id, errors.New("malformed record")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	job, _ := r.Get(id)
	if job.State != StateFailed {
		t.Errorf("state = %s, want %s", job.State, StateFailed)
	}
	if job.Progress != 42 {
		t.Errorf("progress after failure = %d, want 42", job.Progress)
	}
	if job.Error != "malformed record" {
		t.Errorf("error = %q, want %q", job.Error, "malformed record")
	}
	if job.Total != nil {
		t.Errorf("total of failed job = %v, want nil", job.Total)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set on failure")
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Complete(id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := r.Fail(id, errors.New("late error")); !errors.Is(err, vserrors.ErrJobTerminal) {
		t.Errorf("Fail after Complete error = %v, want ErrJobTerminal", err)
	}
	if err := r.AddProgress(id, 1); !errors.Is(err, vserrors.ErrJobTerminal) {
		t.Errorf("AddProgress after Complete error = %v, want ErrJobTerminal", err)
	}

	job, _ := r.Get(id)
	if job.State != StateCompleted {
		t.Errorf("state changed after terminal, got %s", job.State)
	}
}

func TestStartRequiresPending(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := r.Start(id); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

func TestNegativeProgressRejected(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")

	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.AddProgress(id, -5); !errors.Is(err, vserrors.ErrInvalidRequest) {
		t.Errorf("negative delta error = %v, want ErrInvalidRequest", err)
	}
}

func TestConcurrentProgress(t *testing.T) {
	r := NewRegistry()
	id := r.Create("ingest")
	if err := r.Start(id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := r.AddProgress(id, 1); err != nil {
					t.Errorf("AddProgress failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	job, _ := r.Get(id)
	if job.Progress != 1000 {
		t.Errorf("progress = %d, want 1000", job.Progress)
	}
}

func TestListNewestFirst(t *testing.T) {
	r := NewRegistry()
	r.Create("a")
	r.Create("b")
	r.Create("c")

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d jobs, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Errorf("List not sorted newest first at index %d", i)
		}
	}
}
