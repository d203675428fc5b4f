package call

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Card kinds.
const (
	KindDirect = "direct-call"
	KindGroup  = "group-call"
)

// Notification policy constants.
const (
	// DefaultCardTimeout is how long a card stays up before auto-dismissing.
	DefaultCardTimeout = 45 * time.Second

	// seenSoftCap bounds the per-session dedup set. Once exceeded the set is
	// cleared entirely — an approximate bound, not an LRU. Duplicate
	// suppression within a session is the only guarantee needed.
	seenSoftCap = 120

	// pendingCallTTL is how long an accepted call's handoff record stays
	// valid for the call view.
	pendingCallTTL = 60 * time.Second
)

// Card is one incoming-call notification.
type Card struct {
	Key      string    `json:"key"`
	Kind     string    `json:"kind"` // KindDirect or KindGroup
	Title    string    `json:"title"`
	Caller   string    `json:"caller"`
	CallID   string    `json:"call_id"`
	CallType string    `json:"call_type"`
	GroupID  string    `json:"group_id,omitempty"`
	ShownAt  time.Time `json:"shown_at"`
	Expires  time.Time `json:"expires"`
}

// AcceptSink persists the pending-call handoff record when a card is accepted.
type AcceptSink interface {
	SavePendingCall(card Card, expires time.Time) error
}

// Notifier holds the notification state: the per-session seen-set and the
// single active card. First shown wins — while a card is up, events for any
// other key are dropped, not queued.
type Notifier struct {
	mu           sync.Mutex
	active       *Card
	seen         map[string]struct{}
	dismissTimer *time.Timer

	// Timeout is the card auto-dismiss delay. Set before first use.
	Timeout time.Duration

	reject   func(to, callID string) error
	accept   AcceptSink
	navigate func(view string)
	onShow   func(Card)

	now func() time.Time
}

// NewNotifier creates a Notifier. reject emits the upstream rejection for
// direct calls (typically Channel.Reject); accept persists the pending-call
// record; navigate moves the user to the call view. Any of them may be nil.
func NewNotifier(reject func(to, callID string) error, accept AcceptSink, navigate func(view string)) *Notifier {
	return &Notifier{
		seen:     make(map[string]struct{}),
		Timeout:  DefaultCardTimeout,
		reject:   reject,
		accept:   accept,
		navigate: navigate,
		now:      time.Now,
	}
}

// SetOnShow registers the render hook invoked when a card becomes active.
func (n *Notifier) SetOnShow(fn func(Card)) {
	n.mu.Lock()
	n.onShow = fn
	n.mu.Unlock()
}

// HandleOffer processes a direct call offer. The dedup key is the call id
// when present; otherwise a caller+timestamp key is synthesized, which means
// offers without a call id are never deduplicated. That gap is kept on
// purpose — collapsing them could suppress legitimate repeated calls.
func (n *Notifier) HandleOffer(ev Event) {
	key := ev.CallID
	if key == "" {
		ts := ev.TS
		if ts == 0 {
			ts = n.now().UnixMilli()
		}
		key = fmt.Sprintf("%s-%d", ev.From, ts)
	}

	title := ev.FromName
	if title == "" {
		title = ev.From
	}
	n.show(Card{
		Key:      key,
		Kind:     KindDirect,
		Title:    title,
		Caller:   ev.From,
		CallID:   ev.CallID,
		CallType: callType(ev.CallType),
	})
}

// HandleGroupCall processes a group call broadcast. The dedup key is the
// (group, call) pair.
func (n *Notifier) HandleGroupCall(ev Event) {
	title := ev.Title
	if title == "" {
		title = "Group call"
	}
	n.show(Card{
		Key:      fmt.Sprintf("%s:%s", ev.GroupID, ev.CallID),
		Kind:     KindGroup,
		Title:    title,
		Caller:   ev.From,
		CallID:   ev.CallID,
		CallType: callType(ev.CallType),
		GroupID:  ev.GroupID,
	})
}

func callType(t string) string {
	if t == CallTypeVideo {
		return CallTypeVideo
	}
	return CallTypeAudio
}

// show applies the dedup and single-active-card policy, then renders.
func (n *Notifier) show(card Card) {
	n.mu.Lock()
	if _, dup := n.seen[card.Key]; dup {
		n.mu.Unlock()
		log.Printf("[call] duplicate notification dropped (key=%s)", card.Key)
		return
	}
	if n.active != nil {
		n.mu.Unlock()
		log.Printf("[call] notification dropped, card already active (key=%s)", card.Key)
		return
	}

	if len(n.seen) > seenSoftCap {
		n.seen = make(map[string]struct{})
	}
	n.seen[card.Key] = struct{}{}

	now := n.now()
	card.ShownAt = now
	card.Expires = now.Add(n.Timeout)
	n.active = &card

	if n.dismissTimer != nil {
		n.dismissTimer.Stop()
	}
	key := card.Key
	n.dismissTimer = time.AfterFunc(n.Timeout, func() { n.dismissKey(key) })

	onShow := n.onShow
	n.mu.Unlock()

	log.Printf("[call] showing %s notification (key=%s)", card.Kind, card.Key)
	if onShow != nil {
		onShow(card)
	}
}

// Accept persists the pending-call record for the call view and navigates
// there. No-op when no card is active.
func (n *Notifier) Accept() error {
	n.mu.Lock()
	card := n.takeActiveLocked()
	accept := n.accept
	navigate := n.navigate
	n.mu.Unlock()
	if card == nil {
		return nil
	}

	if accept != nil {
		if err := accept.SavePendingCall(*card, n.now().Add(pendingCallTTL)); err != nil {
			return fmt.Errorf("persist pending call: %w", err)
		}
	}
	if navigate != nil {
		navigate("call")
	}
	log.Printf("[call] accepted %s (key=%s)", card.Kind, card.Key)
	return nil
}

// Reject dismisses the active card. Direct calls additionally emit a
// rejection upstream; a group-call rejection is a local dismiss only.
func (n *Notifier) Reject() error {
	n.mu.Lock()
	card := n.takeActiveLocked()
	reject := n.reject
	n.mu.Unlock()
	if card == nil {
		return nil
	}

	if card.Kind == KindDirect && reject != nil {
		if err := reject(card.Caller, card.CallID); err != nil {
			log.Printf("[call] rejection emit failed: %v", err)
			return err
		}
	}
	log.Printf("[call] rejected %s (key=%s)", card.Kind, card.Key)
	return nil
}

// Dismiss clears the active card without touching the seen-set, so the same
// key stays suppressed for the rest of the session.
func (n *Notifier) Dismiss() {
	n.mu.Lock()
	n.takeActiveLocked()
	n.mu.Unlock()
}

// dismissKey auto-dismisses only if the given card is still the active one.
func (n *Notifier) dismissKey(key string) {
	n.mu.Lock()
	if n.active != nil && n.active.Key == key {
		n.takeActiveLocked()
		log.Printf("[call] notification timed out (key=%s)", key)
	}
	n.mu.Unlock()
}

// takeActiveLocked clears and returns the active card. Caller holds n.mu.
func (n *Notifier) takeActiveLocked() *Card {
	card := n.active
	n.active = nil
	if n.dismissTimer != nil {
		n.dismissTimer.Stop()
		n.dismissTimer = nil
	}
	return card
}

// Active returns the currently shown card, if any.
func (n *Notifier) Active() (Card, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return Card{}, false
	}
	return *n.active, true
}
