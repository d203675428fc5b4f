// Package httpapi is a small companion server standing in for the platform
// during local development and tests: it accepts recording uploads and
// relays realtime call events over websocket and a long-poll fallback.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"uplink/internal/call"
)

const writeTimeout = 5 * time.Second

// Server is the Echo application.
type Server struct {
	echo          *echo.Echo
	recordingsDir string
	token         string // expected bearer token; "" disables the check
	upgrader      websocket.Upgrader

	mu         sync.Mutex
	conns      map[*websocket.Conn]bool
	events     []call.Event // relay buffer consumed by the poll transport
	eventSeq   int64
	rejections []call.Event
	notify     chan struct{} // closed+replaced on every relay to wake pollers
}

// New constructs the server. Uploaded recordings are written under
// recordingsDir.
func New(recordingsDir, token string) (*Server, error) {
	recordingsDir = strings.TrimSpace(recordingsDir)
	if recordingsDir == "" {
		return nil, fmt.Errorf("recordings directory is required")
	}
	if err := os.MkdirAll(recordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings directory: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:          e,
		recordingsDir: recordingsDir,
		token:         token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns:  make(map[*websocket.Conn]bool),
		notify: make(chan struct{}),
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/api/lessons/:id/recordings", s.handleRecordingUpload)
	s.echo.GET("/rtc", s.handleWebSocket)
	s.echo.GET("/rtc/poll", s.handlePoll)
	s.echo.POST("/rtc/emit", s.handleEmit)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	s.mu.Lock()
	clients := len(s.conns)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Clients: clients})
}

func (s *Server) checkAuth(c echo.Context) error {
	if s.token == "" {
		return nil
	}
	auth := c.Request().Header.Get("Authorization")
	if auth != "Bearer "+s.token {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
	}
	return nil
}

type recordingUploadResponse struct {
	LessonID  string `json:"lesson_id"`
	FileName  string `json:"file_name"`
	Title     string `json:"title,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleRecordingUpload(c echo.Context) error {
	if err := s.checkAuth(c); err != nil {
		return err
	}

	lessonID := strings.TrimSpace(c.Param("id"))
	if lessonID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "lesson id is required")
	}

	fileHeader, err := c.FormFile("recording")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"recording\" is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	dir := filepath.Join(s.recordingsDir, safeSegment(lessonID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("create lesson directory: %v", err))
	}
	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), safeSegment(fileHeader.Filename))
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("create recording file: %v", err))
	}
	size, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "persist recording")
	}

	slog.Info("recording stored", "lesson_id", lessonID, "name", name, "size", size)
	return c.JSON(http.StatusCreated, recordingUploadResponse{
		LessonID:  lessonID,
		FileName:  name,
		Title:     c.FormValue("title"),
		SizeBytes: size,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func safeSegment(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed"
	}
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

// handleWebSocket upgrades one request and serves it until disconnect.
// The first inbound event must be authenticate.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveConn(conn)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	var hello call.Event
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != call.EventAuthenticate {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(map[string]string{"error": "first event must be authenticate"})
		return
	}
	if s.token != "" && hello.Token != s.token {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(map[string]string{"error": "invalid token"})
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	slog.Debug("rtc client connected")

	for {
		var in call.Event
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Type == call.EventCallRejected {
			s.mu.Lock()
			s.rejections = append(s.rejections, in)
			s.mu.Unlock()
			slog.Debug("call rejection received", "to", in.To, "call_id", in.CallID)
		}
	}
}

// Relay broadcasts a call event to every connected websocket client and
// appends it to the poll buffer.
func (s *Server) Relay(ev call.Event) {
	s.mu.Lock()
	s.eventSeq++
	s.events = append(s.events, ev)
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	wake := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(wake)

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			slog.Debug("relay write failed", "err", err)
		}
	}
}

// Rejections returns the callRejected events received so far.
func (s *Server) Rejections() []call.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]call.Event, len(s.rejections))
	copy(out, s.rejections)
	return out
}

type pollResponse struct {
	Events []call.Event `json:"events"`
	Next   int64        `json:"next"`
}

// handlePoll is the long-poll fallback transport: it returns events past the
// client's cursor, waiting up to 25 s for new ones.
func (s *Server) handlePoll(c echo.Context) error {
	if s.token != "" && c.QueryParam("token") != s.token {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)

	deadline := time.After(25 * time.Second)
	for {
		s.mu.Lock()
		seq := s.eventSeq
		var pending []call.Event
		if since < seq {
			start := len(s.events) - int(seq-since)
			if start < 0 {
				start = 0
			}
			pending = append(pending, s.events[start:]...)
		}
		wake := s.notify
		s.mu.Unlock()

		if len(pending) > 0 {
			return c.JSON(http.StatusOK, pollResponse{Events: pending, Next: seq})
		}
		select {
		case <-c.Request().Context().Done():
			return c.JSON(http.StatusOK, pollResponse{Events: []call.Event{}, Next: seq})
		case <-deadline:
			return c.JSON(http.StatusOK, pollResponse{Events: []call.Event{}, Next: seq})
		case <-wake:
		}
	}
}

// handleEmit injects a call event into the relay. The dev rig uses it to
// simulate inbound calls; a polling client uses it for upstream emits.
func (s *Server) handleEmit(c echo.Context) error {
	var ev call.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
	}
	if ev.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event type is required")
	}
	if ev.Type == call.EventCallRejected {
		s.mu.Lock()
		s.rejections = append(s.rejections, ev)
		s.mu.Unlock()
		return c.NoContent(http.StatusAccepted)
	}
	s.Relay(ev)
	return c.NoContent(http.StatusAccepted)
}
