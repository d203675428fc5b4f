// Package hud is the process-wide upload status surface. It holds no visual
// concerns — only the state protocol: four transition verbs legal in any
// order, clamped monotonic progress, and timed auto-hide after terminal
// states. Consumers observe snapshots via a change callback.
package hud

import (
	"sync"
	"time"

	"uplink/internal/bus"
)

// Surface states as reported in snapshots.
const (
	StateHidden = "hidden"
	StateActive = "active"
	StateDone   = "done"
	StateError  = "error"
)

// Auto-hide delays after terminal states.
const (
	DefaultDoneDelay  = 1500 * time.Millisecond
	DefaultErrorDelay = 2600 * time.Millisecond
)

// Snapshot is one observable HUD state.
type Snapshot struct {
	Visible  bool   `json:"visible"`
	State    string `json:"state"`
	Percent  int    `json:"percent"`
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Text     string `json:"text,omitempty"`
}

// HUD is the status surface. Construct exactly one per process; every verb is
// safe to call from any goroutine at any time.
type HUD struct {
	mu        sync.Mutex
	snap      Snapshot
	hideTimer *time.Timer
	onChange  func(Snapshot)
	bound     bool

	// DoneDelay and ErrorDelay control auto-hide timing. Set before first use.
	DoneDelay  time.Duration
	ErrorDelay time.Duration
}

// New creates a hidden HUD with default delays.
func New() *HUD {
	return &HUD{
		snap:       Snapshot{State: StateHidden},
		DoneDelay:  DefaultDoneDelay,
		ErrorDelay: DefaultErrorDelay,
	}
}

// SetOnChange registers the snapshot observer. The callback runs with the
// HUD lock released.
func (h *HUD) SetOnChange(fn func(Snapshot)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Bind subscribes the HUD to the shared event bus so any producer can drive
// it without a direct dependency. Binding twice is a no-op — the surface is
// never double-initialized.
func (h *HUD) Bind(b *bus.Bus) {
	h.mu.Lock()
	if h.bound {
		h.mu.Unlock()
		return
	}
	h.bound = true
	h.mu.Unlock()

	b.SubscribeHUD(func(ev bus.HUDEvent) {
		switch ev.State {
		case bus.HUDStart:
			h.Start(ev.Title, ev.Subtitle)
		case bus.HUDProgress:
			h.Progress(ev.Percent, ev.Subtitle)
		case bus.HUDDone:
			h.Done(ev.Text)
		case bus.HUDError:
			h.Error(ev.Text)
		case bus.HUDHide:
			h.Hide()
		}
	})
}

// Start shows the surface with progress reset to 0.
func (h *HUD) Start(title, subtitle string) {
	h.mu.Lock()
	h.stopHideTimerLocked()
	h.snap = Snapshot{
		Visible:  true,
		State:    StateActive,
		Percent:  0,
		Title:    title,
		Subtitle: subtitle,
	}
	h.notifyLocked()
}

// Progress updates the displayed percentage, clamped to [0, 100]. Within one
// job (between Start calls) the displayed percent never moves backward. An
// empty subtitle keeps the current one.
func (h *HUD) Progress(percent int, subtitle string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	h.mu.Lock()
	h.stopHideTimerLocked()
	h.snap.Visible = true
	h.snap.State = StateActive
	if percent > h.snap.Percent {
		h.snap.Percent = percent
	}
	if subtitle != "" {
		h.snap.Subtitle = subtitle
	}
	h.notifyLocked()
}

// Done displays success at 100% and auto-hides after DoneDelay.
func (h *HUD) Done(text string) {
	h.mu.Lock()
	h.snap.Visible = true
	h.snap.State = StateDone
	h.snap.Percent = 100
	h.snap.Text = text
	h.resetHideTimerLocked(h.DoneDelay)
	h.notifyLocked()
}

// Error displays a failure message and auto-hides after ErrorDelay.
func (h *HUD) Error(text string) {
	h.mu.Lock()
	h.snap.Visible = true
	h.snap.State = StateError
	h.snap.Text = text
	h.resetHideTimerLocked(h.ErrorDelay)
	h.notifyLocked()
}

// Hide removes the surface immediately.
func (h *HUD) Hide() {
	h.mu.Lock()
	h.stopHideTimerLocked()
	h.snap = Snapshot{State: StateHidden}
	h.notifyLocked()
}

// Snapshot returns the current observable state.
func (h *HUD) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// resetHideTimerLocked arms the auto-hide timer, replacing any pending one.
func (h *HUD) resetHideTimerLocked(d time.Duration) {
	h.stopHideTimerLocked()
	h.hideTimer = time.AfterFunc(d, h.Hide)
}

func (h *HUD) stopHideTimerLocked() {
	if h.hideTimer != nil {
		h.hideTimer.Stop()
		h.hideTimer = nil
	}
}

// notifyLocked fires the change callback outside the lock. Callers must hold
// h.mu; the lock is released here.
func (h *HUD) notifyLocked() {
	snap := h.snap
	fn := h.onChange
	h.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
