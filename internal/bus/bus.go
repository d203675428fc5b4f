// Package bus fans out in-process events to registered listeners. It carries
// the two cross-component events the agent exposes: the device profile
// broadcast (published once at startup) and the HUD state event any producer
// may use to drive the status surface without a direct dependency on it.
package bus

import (
	"log"
	"sync"

	"uplink/internal/device"
)

// HUD event states. A producer publishes one of these to drive the status
// surface; the payload fields that matter depend on the state.
const (
	HUDStart    = "start"
	HUDProgress = "progress"
	HUDDone     = "done"
	HUDError    = "error"
	HUDHide     = "hide"
)

// HUDEvent is the cross-component UX event driving the upload HUD.
type HUDEvent struct {
	State    string `json:"state"`
	Percent  int    `json:"percent,omitempty"`
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Bus is a process-scoped event fan-out. Construct one at startup and hand it
// to every component that publishes or consumes events. Callbacks run on the
// publisher's goroutine; keep them short.
type Bus struct {
	mu          sync.RWMutex
	profileSubs []func(device.Profile)
	hudSubs     []func(HUDEvent)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// SubscribeProfile registers fn to receive the device profile broadcast.
func (b *Bus) SubscribeProfile(fn func(device.Profile)) {
	b.mu.Lock()
	b.profileSubs = append(b.profileSubs, fn)
	b.mu.Unlock()
}

// SubscribeHUD registers fn to receive HUD events.
func (b *Bus) SubscribeHUD(fn func(HUDEvent)) {
	b.mu.Lock()
	b.hudSubs = append(b.hudSubs, fn)
	b.mu.Unlock()
}

// PublishProfile delivers the computed device profile to every subscriber.
// It never fails: a panicking subscriber is logged and the remaining
// subscribers still receive the event.
func (b *Bus) PublishProfile(p device.Profile) {
	b.mu.RLock()
	subs := make([]func(device.Profile), len(b.profileSubs))
	copy(subs, b.profileSubs)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(p) })
	}
}

// PublishHUD delivers a HUD event to every subscriber. Never fails.
func (b *Bus) PublishHUD(ev HUDEvent) {
	b.mu.RLock()
	subs := make([]func(HUDEvent), len(b.hudSubs))
	copy(subs, b.hudSubs)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(ev) })
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscriber panic: %v", r)
		}
	}()
	fn()
}
