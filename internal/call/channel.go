// Package call maintains the realtime channel that delivers inbound call
// events and the notification state that renders at most one incoming-call
// card at a time.
package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect policy: fixed backoff, bounded attempts. When the budget is
// exhausted the channel goes down for the session instead of crashing the
// agent.
const (
	maxConnectAttempts = 8
	reconnectBackoff   = 1000 * time.Millisecond
	dialTimeout        = 10 * time.Second
	pollWait           = 25 * time.Second
)

// Channel is one persistent realtime connection. It authenticates once per
// connect, dispatches inbound call events to registered callbacks, and lets
// the notifier emit rejection events upstream.
//
// Transport order per attempt: websocket first, HTTP long-polling as the
// fallback when the socket dial fails.
type Channel struct {
	wsURL    string
	httpBase string
	token    func() string

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool

	// Backoff and polling knobs, overridable in tests. Set before Run.
	Backoff     time.Duration
	MaxAttempts int

	cbMu        sync.RWMutex
	onOffer     func(Event)
	onGroupCall func(Event)
	onDown      func()

	httpClient *http.Client
}

// NewChannel creates a channel dialing wsURL, with httpBase as the polling
// fallback origin (e.g. "http://host:8080"). token is read fresh on every
// connect.
func NewChannel(wsURL, httpBase string, token func() string) *Channel {
	if token == nil {
		token = func() string { return "" }
	}
	return &Channel{
		wsURL:       wsURL,
		httpBase:    httpBase,
		token:       token,
		Backoff:     reconnectBackoff,
		MaxAttempts: maxConnectAttempts,
		httpClient:  &http.Client{Timeout: pollWait + 5*time.Second},
	}
}

// SetOnOffer registers the direct call offer callback.
func (c *Channel) SetOnOffer(fn func(Event)) {
	c.cbMu.Lock()
	c.onOffer = fn
	c.cbMu.Unlock()
}

// SetOnGroupCall registers the group call broadcast callback.
func (c *Channel) SetOnGroupCall(fn func(Event)) {
	c.cbMu.Lock()
	c.onGroupCall = fn
	c.cbMu.Unlock()
}

// SetOnDown registers the callback fired when the connect budget is
// exhausted and notifications are disabled for the session.
func (c *Channel) SetOnDown(fn func()) {
	c.cbMu.Lock()
	c.onDown = fn
	c.cbMu.Unlock()
}

// Run connects and serves inbound events until ctx is done or the reconnect
// budget is exhausted. A successful session resets the attempt counter, so
// the budget bounds one outage, not the process lifetime.
func (c *Channel) Run(ctx context.Context) {
	attempts := 0
	for ctx.Err() == nil {
		served, err := c.serveWebsocket(ctx)
		if err != nil && !served {
			// Socket dial failed — fall back to long-polling for this attempt.
			served = c.servePolling(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if served {
			attempts = 0
		} else {
			attempts++
			if attempts >= c.MaxAttempts {
				log.Printf("[call] channel unavailable after %d attempts, disabling notifications", attempts)
				c.fireDown()
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Backoff):
		}
	}
}

// serveWebsocket dials, authenticates, and reads events until the connection
// drops. served reports whether a session was established at all.
func (c *Channel) serveWebsocket(ctx context.Context) (served bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := conn.WriteJSON(Event{Type: EventAuthenticate, Token: c.token()}); err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	log.Printf("[call] channel connected (websocket)")

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, nil // session was up; drop triggers a reconnect
		}
		c.dispatch(ev)
	}
}

// servePolling long-polls the fallback endpoint until an error or ctx end.
// served reports whether at least one poll round-trip succeeded.
func (c *Channel) servePolling(ctx context.Context) (served bool) {
	if c.httpBase == "" {
		return false
	}
	since := int64(0)
	first := true
	for ctx.Err() == nil {
		events, next, err := c.pollOnce(ctx, since)
		if err != nil {
			if first {
				return false
			}
			log.Printf("[call] polling dropped: %v", err)
			return true
		}
		if first {
			log.Printf("[call] channel connected (polling fallback)")
			first = false
		}
		served = true
		since = next
		for _, ev := range events {
			c.dispatch(ev)
		}
	}
	return served
}

// pollOnce performs one long-poll round trip.
func (c *Channel) pollOnce(ctx context.Context, since int64) ([]Event, int64, error) {
	u := fmt.Sprintf("%s/rtc/poll?since=%d&token=%s", c.httpBase, since, url.QueryEscape(c.token()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, since, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, since, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, since, fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var payload struct {
		Events []Event `json:"events"`
		Next   int64   `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, since, fmt.Errorf("decode poll response: %w", err)
	}
	return payload.Events, payload.Next, nil
}

func (c *Channel) dispatch(ev Event) {
	c.cbMu.RLock()
	onOffer := c.onOffer
	onGroupCall := c.onGroupCall
	c.cbMu.RUnlock()

	switch ev.Type {
	case EventCallOffer:
		if onOffer != nil {
			onOffer(ev)
		}
	case EventGroupCallIncoming:
		if onGroupCall != nil {
			onGroupCall(ev)
		}
	}
}

func (c *Channel) fireDown() {
	c.cbMu.RLock()
	onDown := c.onDown
	c.cbMu.RUnlock()
	if onDown != nil {
		onDown()
	}
}

// Reject emits a callRejected event upstream for a direct call. On the
// polling transport it posts to the fallback emit endpoint.
func (c *Channel) Reject(to, callID string) error {
	ev := Event{Type: EventCallRejected, To: to, CallID: callID}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(ev)
	}

	if c.httpBase == "" {
		return fmt.Errorf("channel not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}
	resp, err := c.httpClient.Post(c.httpBase+"/rtc/emit", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post rejection: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("rejection status %d", resp.StatusCode)
	}
	return nil
}
