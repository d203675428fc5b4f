package call

import "encoding/json"

// Event types exchanged over the realtime channel.
const (
	EventAuthenticate      = "authenticate"
	EventCallOffer         = "callOffer"
	EventGroupCallIncoming = "groupCallIncomingGlobal"
	EventCallRejected      = "callRejected"
)

// Call kinds as carried on direct offers.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Event is the JSON envelope exchanged over the realtime channel.
type Event struct {
	Type     string          `json:"type"`
	Token    string          `json:"token,omitempty"`    // authenticate
	From     string          `json:"from,omitempty"`     // callOffer: caller id
	FromName string          `json:"fromName,omitempty"` // callOffer: caller display name
	To       string          `json:"to,omitempty"`       // callRejected: target user
	CallID   string          `json:"callId,omitempty"`
	CallType string          `json:"callType,omitempty"` // "audio" or "video"
	GroupID  string          `json:"groupId,omitempty"`  // groupCallIncomingGlobal
	Title    string          `json:"title,omitempty"`    // display title (group name etc.)
	Offer    json.RawMessage `json:"offer,omitempty"`    // opaque SDP payload, passed through
	TS       int64           `json:"ts,omitempty"`       // sender timestamp, unix ms
}
