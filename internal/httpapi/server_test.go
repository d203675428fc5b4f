package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"uplink/internal/call"
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv, err := New(dir, token)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return srv, ts, dir
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func multipartUpload(t *testing.T, url, token, title, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("recording", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if title != "" {
		_ = mw.WriteField("title", title)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestRecordingUpload(t *testing.T) {
	_, ts, dir := newTestServer(t, "tok")

	resp := multipartUpload(t, ts.URL+"/api/lessons/lesson-1/recordings", "tok", "Week 3", "w3.webm", "bytes")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body recordingUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LessonID != "lesson-1" || body.Title != "Week 3" || body.SizeBytes != int64(len("bytes")) {
		t.Errorf("response = %+v", body)
	}

	stored := filepath.Join(dir, "lesson-1", body.FileName)
	data, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("read stored recording: %v", err)
	}
	if string(data) != "bytes" {
		t.Errorf("stored = %q", data)
	}
}

func TestRecordingUploadAuth(t *testing.T) {
	_, ts, _ := newTestServer(t, "tok")

	resp := multipartUpload(t, ts.URL+"/api/lessons/l/recordings", "wrong", "", "f.webm", "x")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRecordingUploadMissingFile(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/api/lessons/l/recordings", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSafeSegment(t *testing.T) {
	cases := map[string]string{
		"lesson-1":     "lesson-1",
		"":             "unnamed",
		"a/b":          "a_b",
		`a\b`:          "a_b",
		"../../secret": "_____secret",
	}
	for in, want := range cases {
		if got := safeSegment(in); got != want {
			t.Errorf("safeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmitAndPoll(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	ev := call.Event{Type: call.EventCallOffer, From: "alice", CallID: "c1"}
	data, _ := json.Marshal(ev)
	resp, err := http.Post(ts.URL+"/rtc/emit", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /rtc/emit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("emit status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/rtc/poll?since=0")
	if err != nil {
		t.Fatalf("GET /rtc/poll: %v", err)
	}
	defer resp.Body.Close()
	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].From != "alice" {
		t.Fatalf("events = %+v", body.Events)
	}
	if body.Next != 1 {
		t.Errorf("next = %d, want 1", body.Next)
	}
}

func TestEmitRejectionNotRelayed(t *testing.T) {
	srv, ts, _ := newTestServer(t, "")

	ev := call.Event{Type: call.EventCallRejected, To: "bob", CallID: "c2"}
	data, _ := json.Marshal(ev)
	resp, err := http.Post(ts.URL+"/rtc/emit", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	rej := srv.Rejections()
	if len(rej) != 1 || rej[0].To != "bob" {
		t.Errorf("rejections = %+v", rej)
	}

	// Relay an ordinary event and confirm the rejection never entered the
	// poll buffer.
	srv.Relay(call.Event{Type: call.EventCallOffer, From: "x"})
	pollResp, err := http.Get(ts.URL + "/rtc/poll?since=0")
	if err != nil {
		t.Fatalf("GET /rtc/poll: %v", err)
	}
	defer pollResp.Body.Close()
	var body pollResponse
	if err := json.NewDecoder(pollResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, e := range body.Events {
		if e.Type == call.EventCallRejected {
			t.Errorf("rejection leaked into relay: %+v", body.Events)
		}
	}
}

func TestEmitRequiresType(t *testing.T) {
	_, ts, _ := newTestServer(t, "")
	resp, err := http.Post(ts.URL+"/rtc/emit", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketRelay(t *testing.T) {
	srv, ts, _ := newTestServer(t, "tok")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(call.Event{Type: call.EventAuthenticate, Token: "tok"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// Registration happens after the authenticate read; retry until the
	// relayed event lands.
	got := make(chan call.Event, 1)
	go func() {
		var ev call.Event
		for {
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type == call.EventCallOffer {
				got <- ev
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		srv.Relay(call.Event{Type: call.EventCallOffer, From: "alice", CallID: "c1"})
		select {
		case ev := <-got:
			if ev.From != "alice" || ev.CallID != "c1" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("relayed event never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWebsocketRequiresAuthenticateFirst(t *testing.T) {
	_, ts, _ := newTestServer(t, "tok")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(call.Event{Type: call.EventCallRejected, To: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var body map[string]string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if body["error"] == "" {
		t.Errorf("expected error response, got %v", body)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, ts, _ := newTestServer(t, "tok")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(call.Event{Type: call.EventAuthenticate, Token: "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var body map[string]string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if body["error"] == "" {
		t.Errorf("expected error response, got %v", body)
	}
}

func TestWebsocketCollectsRejections(t *testing.T) {
	srv, ts, _ := newTestServer(t, "")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(call.Event{Type: call.EventAuthenticate}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := conn.WriteJSON(call.Event{Type: call.EventCallRejected, To: "bob", CallID: "c1"}); err != nil {
		t.Fatalf("write rejection: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for len(srv.Rejections()) == 0 {
		select {
		case <-deadline:
			t.Fatal("rejection never recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rej := srv.Rejections()[0]
	if rej.To != "bob" || rej.CallID != "c1" {
		t.Errorf("rejection = %+v", rej)
	}
}

func TestPollAuth(t *testing.T) {
	_, ts, _ := newTestServer(t, "tok")
	resp, err := http.Get(ts.URL + "/rtc/poll?since=0&token=wrong")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNewRequiresRecordingsDir(t *testing.T) {
	if _, err := New("", "tok"); err == nil {
		t.Error("expected error for empty recordings dir")
	}
	if _, err := New("   ", "tok"); err == nil {
		t.Error("expected error for blank recordings dir")
	}
}
