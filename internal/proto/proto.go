// Package proto defines the wire contract shared by clients and the relay:
// signaling envelopes, websocket frames and encrypted message records.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// SignalingPath is the websocket endpoint on the relay.
	SignalingPath = "/ws"

	// KeysPath is the directory endpoint for public keys.
	KeysPath = "/api/keys"

	// BlobsPath is the object store endpoint for encrypted attachments.
	BlobsPath = "/api/blobs"

	// ConversationsPath is the conversation storage endpoint.
	ConversationsPath = "/api/conversations"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNetworkFailure = errors.New("network failure")
)

// Kind identifies one of the five signaling envelope kinds.
type Kind string

const (
	KindCallOffer    Kind = "call-offer"
	KindCallAnswer   Kind = "call-answer"
	KindICECandidate Kind = "ice-candidate"
	KindCallRejected Kind = "call-rejected"
	KindCallEnded    Kind = "call-ended"
)

// Kinds returns every envelope kind the relay will forward.
func Kinds() []Kind {
	return []Kind{KindCallOffer, KindCallAnswer, KindICECandidate, KindCallRejected, KindCallEnded}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCallOffer, KindCallAnswer, KindICECandidate, KindCallRejected, KindCallEnded:
		return true
	}
	return false
}

// Media is the media profile requested for a call.
type Media string

const (
	MediaAudio      Media = "audio"
	MediaAudioVideo Media = "audio-video"
)

func (m Media) Valid() bool { return m == MediaAudio || m == MediaAudioVideo }

// Video reports whether the profile carries a video track.
func (m Media) Video() bool { return m == MediaAudioVideo }

// RejectReason tells the caller why a call did not connect.
type RejectReason string

const (
	RejectDeclined RejectReason = "declined"
	RejectTimeout  RejectReason = "timeout"
	RejectBusy     RejectReason = "busy"
)

// EndReason tells the peer why an established or pending call ended.
type EndReason string

const (
	EndHangup     EndReason = "hangup"
	EndUnanswered EndReason = "unanswered"
	EndFailed     EndReason = "failed"
)

// Envelope is a discrete signaling message routed by the relay from From to To.
// The relay forwards it verbatim; Payload is only interpreted by peers.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        int64           `json:"ts"`
}

// Description is a session description (offer or answer). Field names match
// the JSON shape browsers and pion use.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type OfferPayload struct {
	Description Description `json:"description"`
	Media       Media       `json:"media"`
	CallerName  string      `json:"caller_name,omitempty"`
}

type AnswerPayload struct {
	Description Description `json:"description"`
}

type CandidatePayload struct {
	Candidate Candidate `json:"candidate"`
}

type RejectedPayload struct {
	Reason RejectReason `json:"reason"`
}

type EndedPayload struct {
	Reason EndReason `json:"reason"`
}

// NewEnvelope builds an envelope with payload marshalled to JSON.
func NewEnvelope(kind Kind, from, to, sessionID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Kind:      kind,
		From:      from,
		To:        to,
		SessionID: sessionID,
		TS:        NowMillis(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Validate checks the routing fields the relay depends on.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("nil envelope")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if strings.TrimSpace(e.From) == "" || strings.TrimSpace(e.To) == "" {
		return errors.New("envelope requires from and to")
	}
	if e.From == e.To {
		return errors.New("envelope from and to must differ")
	}
	return nil
}

// Frame types on the client<->relay websocket.
const (
	FrameRegister   = "register"
	FrameRegistered = "registered"
	FrameEnvelope   = "envelope"
	FrameError      = "error"

	// FrameRecord pushes a freshly stored chat record to its receiver. It is
	// relay-originated and never carries a call envelope.
	FrameRecord = "record"
)

// Frame is one websocket message between a client and the relay.
type Frame struct {
	Type     string    `json:"type"`
	UID      string    `json:"uid,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Record   *Record   `json:"record,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ConversationID returns the storage key for the conversation between a and b.
// It is symmetric: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func NowMillis() int64 { return time.Now().UnixMilli() }
