package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoSession      = errors.New("no active call")
	ErrInvalidState   = errors.New("action not valid in current call state")
	ErrCallEnded      = errors.New("call ended")
	ErrClosed         = errors.New("call manager closed")
)

// Signaler is the only surface the call package needs from the signaling
// layer. signaling.Client satisfies it.
type Signaler interface {
	UID() string
	Send(ctx context.Context, env *proto.Envelope) error
	Subscribe() (ch chan *proto.Envelope, cancel func())
	// Done is closed when the channel is gone for good.
	Done() <-chan struct{}
}

// MediaSource acquires local capture devices for a call.
type MediaSource interface {
	Acquire(ctx context.Context, media proto.Media) (LocalMedia, error)
}

// LocalMedia is a set of captured tracks. Close releases the devices.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// PeerState is the peer connection's aggregate state.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// PeerStats are receive-side counters for the remote media.
type PeerStats struct {
	RemoteTracks    int    `json:"remote_tracks"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	PLIsSent        uint64 `json:"plis_sent"`
}

// PeerEvents are callbacks from the peer connection. They may fire on any
// goroutine; the Manager rejoins them into its event loop.
type PeerEvents struct {
	OnCandidate func(proto.Candidate)
	OnState     func(PeerState)
}

// Peer is one side of a media session. Create* set the local description.
type Peer interface {
	CreateOffer() (proto.Description, error)
	CreateAnswer() (proto.Description, error)
	SetRemoteDescription(proto.Description) error
	AddICECandidate(proto.Candidate) error
	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	Stats() PeerStats
	Close() error
}

// PeerFactory builds a Peer carrying local's tracks. local may be nil, in
// which case the peer is receive-only.
type PeerFactory interface {
	NewPeer(sessionID string, media proto.Media, local LocalMedia, ev PeerEvents) (Peer, error)
}

// State is a call session state.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingPending State = "outgoing-pending"
	StateIncomingRinging State = "incoming-ringing"
	StateConnecting      State = "connecting"
	StateActive          State = "active"
	StateEnded           State = "ended"
)

// Direction tells who placed the call.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Config holds the coordinator's timeouts and caller identity.
type Config struct {
	// DisplayName is sent with outgoing offers.
	DisplayName string
	// RingTimeout bounds how long an incoming call rings unanswered.
	RingTimeout time.Duration
	// DialTimeout bounds how long a call may take to reach active.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 45 * time.Second
	}
}
