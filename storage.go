package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"uplink/internal/payload"
	"uplink/internal/queue"
	"uplink/internal/store"
)

// jobStorage implements queue.Storage over the sqlite metadata store and the
// on-disk payload store. Payload bytes are written first so a metadata row
// never points at a payload that does not exist; an orphaned payload file
// from a crash between the two writes is harmless.
type jobStorage struct {
	meta     *store.Store
	payloads *payload.Store
}

func newJobStorage(meta *store.Store, payloads *payload.Store) *jobStorage {
	return &jobStorage{meta: meta, payloads: payloads}
}

// Put persists one job durably: payload bytes on disk, metadata in sqlite.
func (js *jobStorage) Put(ctx context.Context, job queue.Job, body io.Reader) (queue.Job, error) {
	size, err := js.payloads.Put(job.ID, body)
	if err != nil {
		return queue.Job{}, fmt.Errorf("store payload: %w", err)
	}
	job.SizeBytes = size

	rec := store.JobRecord{
		ID:          job.ID,
		LessonID:    job.LessonID,
		Filename:    job.Filename,
		Title:       job.Title,
		AuthToken:   job.AuthToken,
		PayloadName: job.ID,
		SizeBytes:   size,
		EnqueuedAt:  job.EnqueuedAt,
	}
	if err := js.meta.CreateJob(ctx, rec); err != nil {
		_ = js.payloads.Delete(job.ID)
		return queue.Job{}, err
	}
	return job, nil
}

// Delete removes a job's metadata and payload. Unknown ids are a no-op.
func (js *jobStorage) Delete(ctx context.Context, id string) error {
	rec, err := js.meta.JobByID(ctx, id)
	if err == nil {
		if err := js.meta.DeleteJob(ctx, id); err != nil {
			return err
		}
		return js.payloads.Delete(rec.PayloadName)
	}
	if errors.Is(err, store.ErrJobNotFound) {
		return nil
	}
	return err
}

// ListPending returns the pending jobs oldest-first.
func (js *jobStorage) ListPending(ctx context.Context) ([]queue.Job, error) {
	recs, err := js.meta.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, queue.Job{
			ID:         rec.ID,
			LessonID:   rec.LessonID,
			Filename:   rec.Filename,
			Title:      rec.Title,
			AuthToken:  rec.AuthToken,
			SizeBytes:  rec.SizeBytes,
			EnqueuedAt: rec.EnqueuedAt,
		})
	}
	return jobs, nil
}

// OpenPayload streams a job's payload bytes.
func (js *jobStorage) OpenPayload(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	rec, err := js.meta.JobByID(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	f, size, err := js.payloads.Open(rec.PayloadName)
	if err != nil {
		return nil, 0, err
	}
	return f, size, nil
}
