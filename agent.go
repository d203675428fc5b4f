package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"uplink/internal/bus"
	"uplink/internal/call"
	"uplink/internal/config"
	"uplink/internal/device"
	"uplink/internal/hud"
	"uplink/internal/payload"
	"uplink/internal/queue"
	"uplink/internal/store"
	"uplink/internal/transport"
)

// Agent wires the process-scoped services together: device profile, durable
// upload queue, upload transport, HUD, and the call notification channel.
// Construct one per process and call Start exactly once; repeated Start calls
// report the existing bootstrap instead of re-initializing.
type Agent struct {
	cfg      config.Config
	bus      *bus.Bus
	hud      *hud.HUD
	applier  *device.Applier
	meta     *store.Store
	payloads *payload.Store
	queue    *queue.Queue
	channel  *call.Channel
	notifier *call.Notifier

	started bool
	cancel  context.CancelFunc
}

// NewAgent creates an Agent over an opened store and payload store.
func NewAgent(cfg config.Config, meta *store.Store, payloads *payload.Store) *Agent {
	b := bus.New()
	a := &Agent{
		cfg:      cfg,
		bus:      b,
		hud:      hud.New(),
		applier:  device.NewApplier(b.PublishProfile),
		meta:     meta,
		payloads: payloads,
	}

	storage := newJobStorage(meta, payloads)
	uploader := transport.NewClient(cfg.Endpoint)
	a.queue = queue.New(storage, uploader, b.PublishHUD)
	a.queue.SetCredentials(cfg.Credential)

	a.channel = call.NewChannel(cfg.ChannelURL, cfg.Endpoint, cfg.Credential)
	a.notifier = call.NewNotifier(a.channel.Reject, &pendingCallSink{meta: meta}, a.navigate)
	a.channel.SetOnOffer(a.notifier.HandleOffer)
	a.channel.SetOnGroupCall(a.notifier.HandleGroupCall)
	a.channel.SetOnDown(func() {
		log.Printf("[agent] call notifications disabled for this session")
	})

	return a
}

// Start boots the agent: device profile detection and broadcast, HUD binding,
// the queue processing loop, and (outside calling views) the realtime
// channel. Calling Start twice is a guarded no-op.
func (a *Agent) Start(ctx context.Context) error {
	if a.started {
		return fmt.Errorf("agent already started")
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	// Persisted override wins over auto-detection and survives sessions.
	override, _, err := a.meta.GetSetting(ctx, store.SettingLowEndOverride)
	if err != nil {
		return fmt.Errorf("read device override: %w", err)
	}
	profile := device.Detect(device.Collect(), device.ParseOverride(override))
	a.hud.Bind(a.bus)
	a.applier.Apply(profile)
	log.Printf("[agent] device profile: lowEnd=%v forced=%v realtimeMedia=%v",
		profile.LowEnd, profile.Forced, profile.HasRealtimeMedia)

	go a.queue.Run(ctx)

	// Views that embed their own calling UI get neither the channel nor the
	// notification overlay.
	if config.OnCallView(a.cfg.View) {
		log.Printf("[agent] view %q embeds calling UI, skipping notification channel", a.cfg.View)
	} else {
		go a.channel.Run(ctx)
	}
	return nil
}

// Stop cancels the background loops started by Start.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// HUD returns the agent's status surface.
func (a *Agent) HUD() *hud.HUD {
	return a.hud
}

// Notifier returns the call notification state.
func (a *Agent) Notifier() *call.Notifier {
	return a.notifier
}

// Profile returns the applied device profile, and false before Start.
func (a *Agent) Profile() (device.Profile, bool) {
	return a.applier.Current()
}

// NotifyOnline signals that network connectivity returned. Wakes the queue.
func (a *Agent) NotifyOnline() { a.queue.Wake() }

// NotifyFocus signals that the window regained focus. Wakes the queue.
func (a *Agent) NotifyFocus() { a.queue.Wake() }

// NotifyVisible signals that the page became visible. Wakes the queue.
func (a *Agent) NotifyVisible() { a.queue.Wake() }

// Enqueue persists one recording for background upload and returns the job.
// Durable before return.
func (a *Agent) Enqueue(ctx context.Context, lessonID, title, filePath string) (queue.Job, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return queue.Job{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return a.EnqueueReader(ctx, lessonID, title, filepath.Base(filePath), f)
}

// EnqueueReader is Enqueue for an arbitrary payload stream.
func (a *Agent) EnqueueReader(ctx context.Context, lessonID, title, filename string, body io.Reader) (queue.Job, error) {
	job := queue.Job{
		LessonID:  lessonID,
		Filename:  filename,
		Title:     title,
		AuthToken: a.cfg.Credential(), // snapshot; live credential wins at send time
	}
	return a.queue.Enqueue(ctx, job, body)
}

// navigate is the accept-time navigation hook. The headless agent only logs;
// an embedding UI replaces this by observing the pending-call record.
func (a *Agent) navigate(view string) {
	log.Printf("[agent] navigating to %s view", view)
}

// pendingCallSink persists accepted calls for the call view.
type pendingCallSink struct {
	meta *store.Store
}

func (p *pendingCallSink) SavePendingCall(card call.Card, expires time.Time) error {
	return p.meta.SavePendingCall(context.Background(), store.PendingCall{
		CallID:   card.CallID,
		Caller:   card.Caller,
		GroupID:  card.GroupID,
		CallType: card.CallType,
		Kind:     card.Kind,
		SavedAt:  time.Now().UTC(),
		Expires:  expires,
	})
}
