// Package transport performs the network upload of one queued recording.
// It is a thin multipart HTTP client: validation, progress reporting, a
// dedicated long-upload timeout, and a failure taxonomy the queue uses to
// decide whether a job is worth retrying.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidJob marks a job malformed beyond repair: no payload bytes or no
// lesson id. Such jobs never generate a network attempt.
var ErrInvalidJob = errors.New("invalid upload job")

// ErrTimeout marks an upload that exceeded the upload deadline.
var ErrTimeout = errors.New("upload timed out")

// ServerError is a non-2xx response from the recording endpoint. It carries
// the status so a future retry policy can distinguish rejections from
// connectivity failures; the current policy treats them identically.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected upload: status %d", e.Status)
}

// Request describes one upload attempt.
type Request struct {
	LessonID   string
	Filename   string
	Title      string
	Credential string    // bearer token; resolved fresh by the caller
	Payload    io.Reader // recording bytes
	Size       int64     // total payload bytes; <= 0 means unknown (no progress)
}

// defaultUploadTimeout bounds a single upload attempt. Recordings can exceed
// 10 MB on slow links, so this is deliberately much longer than a general
// request timeout.
const defaultUploadTimeout = 20 * time.Minute

// defaultFilename is used when a job carries no filename.
const defaultFilename = "recording.webm"

// Client uploads recordings to the platform's per-lesson recording endpoint.
type Client struct {
	baseURL string
	http    *http.Client

	// Timeout bounds one upload attempt. Set before first use; defaults to
	// defaultUploadTimeout.
	Timeout time.Duration
}

// NewClient creates a Client posting to baseURL (e.g. "https://api.example.com").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		Timeout: defaultUploadTimeout,
	}
}

// Upload sends one recording. onProgress (may be nil) receives integer
// percentages in [0, 100], monotonically non-decreasing; it is never invoked
// when the payload size is unknown.
//
// Failure taxonomy: ErrInvalidJob (no network attempt), ErrTimeout, a
// *ServerError for non-2xx responses, or a wrapped connectivity error.
func (c *Client) Upload(ctx context.Context, req Request, onProgress func(int)) error {
	if strings.TrimSpace(req.LessonID) == "" {
		return fmt.Errorf("%w: missing lesson id", ErrInvalidJob)
	}
	if req.Payload == nil || req.Size == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidJob)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := req.Payload
	if req.Size > 0 && onProgress != nil {
		body = &progressReader{r: req.Payload, total: req.Size, report: onProgress}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("recording", filename(req.Filename))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		if req.Title != "" {
			if err := mw.WriteField("title", req.Title); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	endpoint := fmt.Sprintf("%s/api/lessons/%s/recordings", c.baseURL, url.PathEscape(req.LessonID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("upload to lesson %s: %w", req.LessonID, ErrTimeout)
		}
		return fmt.Errorf("upload to lesson %s: %w", req.LessonID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServerError{Status: resp.StatusCode}
	}
	return nil
}

func filename(name string) string {
	if strings.TrimSpace(name) == "" {
		return defaultFilename
	}
	return name
}

// progressReader reports integer percentage progress as the payload is
// consumed. Percentages never move backward and each value is reported once.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
