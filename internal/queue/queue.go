// Package queue owns the durable upload queue. Jobs are persisted before
// Enqueue returns and removed only after a successful upload, so pending
// recordings survive agent restarts and connectivity loss. Processing is
// strictly serialized: however many wake events fire, at most one pass — and
// within it at most one upload — is in flight.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"uplink/internal/bus"
	"uplink/internal/transport"
)

// Defaults for the processing triggers.
const (
	DefaultInterval     = 15 * time.Second
	DefaultInitialDelay = 3 * time.Second
)

// Job is one pending upload. Payload bytes are not held in memory; Storage
// streams them on demand.
type Job struct {
	ID         string
	LessonID   string
	Filename   string
	Title      string
	AuthToken  string // credential snapshot from enqueue time
	SizeBytes  int64
	EnqueuedAt time.Time
}

// Storage is the durable backing for the queue. Implementations must make
// Put durable before returning and must treat Delete of an unknown id as a
// no-op. ListPending returns jobs oldest-first.
type Storage interface {
	Put(ctx context.Context, job Job, payload io.Reader) (Job, error)
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]Job, error)
	OpenPayload(ctx context.Context, id string) (io.ReadCloser, int64, error)
}

// Uploader sends one job's bytes to the platform. *transport.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, req transport.Request, onProgress func(int)) error
}

// Queue processes pending uploads oldest-first with retry-on-next-trigger.
type Queue struct {
	storage  Storage
	uploader Uploader
	publish  func(bus.HUDEvent) // never nil; defaults to a no-op

	// Interval and InitialDelay control the Run loop timer. Set before Run.
	Interval     time.Duration
	InitialDelay time.Duration

	// credentials re-reads the live bearer token at send time. When it
	// returns "", the job's enqueue-time snapshot is used instead.
	credentials func() string

	running atomic.Bool
	wakeCh  chan struct{}
}

// New creates a Queue over storage and uploader. publish (may be nil)
// receives HUD events for upload state transitions.
func New(storage Storage, uploader Uploader, publish func(bus.HUDEvent)) *Queue {
	if publish == nil {
		publish = func(bus.HUDEvent) {}
	}
	return &Queue{
		storage:      storage,
		uploader:     uploader,
		publish:      publish,
		Interval:     DefaultInterval,
		InitialDelay: DefaultInitialDelay,
		wakeCh:       make(chan struct{}, 1),
	}
}

// SetCredentials registers the live credential source consulted at send time.
func (q *Queue) SetCredentials(fn func() string) {
	q.credentials = fn
}

// Enqueue persists job and its payload, then wakes the processing loop.
// The job is durable when Enqueue returns: a crash immediately after still
// finds it on the next start. A missing ID or EnqueuedAt is filled in.
func (q *Queue) Enqueue(ctx context.Context, job Job, payload io.Reader) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	stored, err := q.storage.Put(ctx, job, payload)
	if err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	log.Printf("[queue] enqueued job %s (lesson=%s, %d bytes)", stored.ID, stored.LessonID, stored.SizeBytes)
	q.Wake()
	return stored, nil
}

// ListPending returns the pending jobs ordered ascending by enqueue time.
func (q *Queue) ListPending(ctx context.Context) ([]Job, error) {
	jobs, err := q.storage.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})
	return jobs, nil
}

// Remove deletes a job from the queue. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.storage.Delete(ctx, id)
}

// Wake requests a processing pass. Non-blocking; redundant wakes while a
// request is already queued collapse into one.
func (q *Queue) Wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Run owns the trigger timer: an initial delay after startup, then a fixed
// interval, plus any Wake calls in between. Blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(q.InitialDelay):
	}
	q.ProcessAll(ctx)

	ticker := time.NewTicker(q.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessAll(ctx)
		case <-q.wakeCh:
			q.ProcessAll(ctx)
		}
	}
}

// ProcessAll runs one serialized processing pass over the pending jobs in
// queue order. Concurrent calls while a pass is running are no-ops — the
// running pass picks up any work enqueued meanwhile on the next trigger.
// The pass stops at the first upload failure; remaining jobs wait for the
// next trigger. Storage failures are returned to the caller.
func (q *Queue) ProcessAll(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}
	defer q.running.Store(false)

	jobs, err := q.storage.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		err := q.processOne(ctx, job)
		switch {
		case err == nil:
			// next job
		case errors.Is(err, transport.ErrInvalidJob):
			// Malformed entry: never sent, never removed, does not block
			// the rest of the pass.
			log.Printf("[queue] job %s invalid, skipping: %v", job.ID, err)
		default:
			// Connectivity, timeout, or server rejection: leave the job
			// queued and end the pass. Retried on the next trigger.
			log.Printf("[queue] job %s failed, stopping pass: %v", job.ID, err)
			q.publish(bus.HUDEvent{State: bus.HUDError, Text: "Upload failed — will retry"})
			return nil
		}
	}
	return nil
}

// processOne uploads a single job and removes it on success.
func (q *Queue) processOne(ctx context.Context, job Job) error {
	if job.LessonID == "" {
		return fmt.Errorf("%w: missing lesson id", transport.ErrInvalidJob)
	}
	payload, size, err := q.storage.OpenPayload(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("open payload: %w: %v", transport.ErrInvalidJob, err)
	}
	defer payload.Close()
	if size == 0 {
		return fmt.Errorf("%w: empty payload", transport.ErrInvalidJob)
	}

	title := job.Title
	if title == "" {
		title = job.Filename
	}
	q.publish(bus.HUDEvent{State: bus.HUDStart, Title: "Uploading recording", Subtitle: title})

	req := transport.Request{
		LessonID:   job.LessonID,
		Filename:   job.Filename,
		Title:      job.Title,
		Credential: q.credential(job),
		Payload:    payload,
		Size:       size,
	}
	err = q.uploader.Upload(ctx, req, func(pct int) {
		q.publish(bus.HUDEvent{State: bus.HUDProgress, Percent: pct, Subtitle: title})
	})
	if err != nil {
		return err
	}

	// Removed if and only if the upload succeeded. A delete failure leaves
	// the job queued; the next pass re-uploads rather than losing it.
	if err := q.storage.Delete(ctx, job.ID); err != nil {
		log.Printf("[queue] job %s uploaded but not removed: %v", job.ID, err)
		return fmt.Errorf("remove uploaded job: %w", err)
	}
	q.publish(bus.HUDEvent{State: bus.HUDDone, Text: "Recording uploaded"})
	log.Printf("[queue] job %s uploaded and removed (lesson=%s)", job.ID, job.LessonID)
	return nil
}

// credential resolves the bearer token for one attempt: the live source wins,
// the enqueue-time snapshot is the fallback.
func (q *Queue) credential(job Job) string {
	if q.credentials != nil {
		if tok := q.credentials(); tok != "" {
			return tok
		}
	}
	return job.AuthToken
}
