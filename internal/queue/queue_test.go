package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"uplink/internal/bus"
	"uplink/internal/transport"
)

// memStorage is an in-memory Storage for queue tests.
type memStorage struct {
	mu       sync.Mutex
	jobs     map[string]Job
	payloads map[string][]byte
	order    []string
	listErr  error
}

func newMemStorage() *memStorage {
	return &memStorage{
		jobs:     make(map[string]Job),
		payloads: make(map[string][]byte),
	}
}

func (m *memStorage) Put(_ context.Context, job Job, payload io.Reader) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var data []byte
	if payload != nil {
		var err error
		data, err = io.ReadAll(payload)
		if err != nil {
			return Job{}, err
		}
	}
	job.SizeBytes = int64(len(data))
	m.jobs[job.ID] = job
	m.payloads[job.ID] = data
	m.order = append(m.order, job.ID)
	return job, nil
}

func (m *memStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.payloads, id)
	return nil
}

func (m *memStorage) ListPending(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var jobs []Job
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (m *memStorage) OpenPayload(_ context.Context, id string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.payloads[id]
	if !ok {
		return nil, 0, fmt.Errorf("payload %s not found", id)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// fakeUploader records upload attempts and fails per-lesson on demand.
type fakeUploader struct {
	mu       sync.Mutex
	attempts []string // lesson ids in attempt order
	fail     map[string]error
	block    chan struct{} // when set, Upload waits on it
}

func (f *fakeUploader) Upload(_ context.Context, req transport.Request, onProgress func(int)) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, req.LessonID)
	err := f.fail[req.LessonID]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

func (f *fakeUploader) attemptList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	st := newMemStorage()
	q := New(st, &fakeUploader{}, nil)

	job, err := q.Enqueue(context.Background(), Job{LessonID: "l1"}, bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.ID == "" {
		t.Error("Enqueue should assign an id")
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("Enqueue should stamp EnqueuedAt")
	}
	if st.count() != 1 {
		t.Errorf("stored jobs = %d, want 1", st.count())
	}
}

func TestProcessAllUploadsOldestFirstAndRemoves(t *testing.T) {
	st := newMemStorage()
	up := &fakeUploader{}
	q := New(st, up, nil)
	ctx := context.Background()

	for _, lesson := range []string{"l1", "l2", "l3"} {
		if _, err := q.Enqueue(ctx, Job{LessonID: lesson}, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("Enqueue(%s): %v", lesson, err)
		}
	}

	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	got := up.attemptList()
	want := []string{"l1", "l2", "l3"}
	if len(got) != len(want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", got, want)
		}
	}
	if st.count() != 0 {
		t.Errorf("jobs remaining = %d, want 0", st.count())
	}
}

func TestProcessAllStopsPassOnFirstFailure(t *testing.T) {
	st := newMemStorage()
	up := &fakeUploader{fail: map[string]error{"l2": errors.New("connection refused")}}
	q := New(st, up, nil)
	ctx := context.Background()

	for _, lesson := range []string{"l1", "l2", "l3"} {
		if _, err := q.Enqueue(ctx, Job{LessonID: lesson}, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	got := up.attemptList()
	if len(got) != 2 || got[1] != "l2" {
		t.Errorf("attempts = %v; pass should stop at the failing job", got)
	}
	// l1 removed, l2 and l3 still queued.
	if st.count() != 2 {
		t.Errorf("jobs remaining = %d, want 2", st.count())
	}
}

func TestFailingJobSurvivesRepeatedPasses(t *testing.T) {
	st := newMemStorage()
	up := &fakeUploader{fail: map[string]error{"l1": errors.New("offline")}}
	q := New(st, up, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := q.ProcessAll(ctx); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	// Retried each pass, still present exactly once.
	if n := len(up.attemptList()); n != 5 {
		t.Errorf("attempts = %d, want 5", n)
	}
	jobs, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("pending = %d, want exactly 1", len(jobs))
	}
}

func TestInvalidJobSkippedNotRemovedNotSent(t *testing.T) {
	st := newMemStorage()
	up := &fakeUploader{}
	q := New(st, up, nil)
	ctx := context.Background()

	// Empty payload and missing lesson id are both malformed.
	if _, err := q.Enqueue(ctx, Job{LessonID: "broken"}, bytes.NewReader(nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{LessonID: ""}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{LessonID: "good"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	// Only the well-formed job hits the uploader; the pass does not stop at
	// the malformed ones.
	got := up.attemptList()
	if len(got) != 1 || got[0] != "good" {
		t.Errorf("attempts = %v, want only the valid job", got)
	}
	// Malformed entries stay queued, the good one is removed.
	if st.count() != 2 {
		t.Errorf("jobs remaining = %d, want 2", st.count())
	}
}

func TestProcessAllSerialized(t *testing.T) {
	st := newMemStorage()
	block := make(chan struct{})
	up := &fakeUploader{block: block}
	q := New(st, up, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		q.ProcessAll(ctx)
		close(done)
	}()

	// Wait for the first pass to reach the uploader.
	deadline := time.After(2 * time.Second)
	for len(up.attemptList()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Overlapping passes are no-ops while the first is in flight.
	for i := 0; i < 10; i++ {
		if err := q.ProcessAll(ctx); err != nil {
			t.Fatalf("overlapping ProcessAll: %v", err)
		}
	}
	if n := len(up.attemptList()); n != 1 {
		t.Fatalf("attempts = %d during blocked pass, want 1", n)
	}

	close(block)
	<-done
}

func TestProcessAllPropagatesListError(t *testing.T) {
	st := newMemStorage()
	st.listErr = errors.New("disk gone")
	q := New(st, &fakeUploader{}, nil)

	if err := q.ProcessAll(context.Background()); err == nil {
		t.Error("storage list failure should be returned")
	}
}

func TestHUDEventSequence(t *testing.T) {
	st := newMemStorage()
	var events []bus.HUDEvent
	q := New(st, &fakeUploader{}, func(ev bus.HUDEvent) { events = append(events, ev) })
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1", Title: "Review"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	var states []string
	for _, ev := range events {
		states = append(states, ev.State)
	}
	want := []string{bus.HUDStart, bus.HUDProgress, bus.HUDDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if events[0].Subtitle != "Review" {
		t.Errorf("start subtitle = %q, want job title", events[0].Subtitle)
	}
}

func TestHUDErrorOnFailure(t *testing.T) {
	st := newMemStorage()
	var events []bus.HUDEvent
	up := &fakeUploader{fail: map[string]error{"l1": errors.New("offline")}}
	q := New(st, up, func(ev bus.HUDEvent) { events = append(events, ev) })
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	last := events[len(events)-1]
	if last.State != bus.HUDError {
		t.Errorf("last event = %+v, want error state", last)
	}
}

// credentialUploader captures the credential presented per attempt.
type credentialUploader struct {
	got string
}

func (c *credentialUploader) Upload(_ context.Context, req transport.Request, _ func(int)) error {
	c.got = req.Credential
	return nil
}

func TestCredentialLiveSourceWins(t *testing.T) {
	st := newMemStorage()
	up := &credentialUploader{}
	q := New(st, up, nil)
	q.SetCredentials(func() string { return "fresh-token" })
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1", AuthToken: "stale-token"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if up.got != "fresh-token" {
		t.Errorf("credential = %q, want live token", up.got)
	}
}

func TestCredentialSnapshotFallback(t *testing.T) {
	st := newMemStorage()
	up := &credentialUploader{}
	q := New(st, up, nil)
	q.SetCredentials(func() string { return "" })
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1", AuthToken: "snapshot"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if up.got != "snapshot" {
		t.Errorf("credential = %q, want enqueue-time snapshot", up.got)
	}
}

func TestRunProcessesOnWake(t *testing.T) {
	st := newMemStorage()
	up := &fakeUploader{}
	q := New(st, up, nil)
	q.InitialDelay = time.Millisecond
	q.Interval = time.Hour // only wakes drive this test past startup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := q.Enqueue(ctx, Job{LessonID: "l1"}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go q.Run(ctx)

	deadline := time.After(2 * time.Second)
	for st.count() != 0 {
		select {
		case <-deadline:
			t.Fatal("Run never processed the queued job")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
