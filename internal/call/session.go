package call

import (
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Session is one call between the local user and a remote peer. All fields
// are owned by the Manager's event loop; other goroutines only ever see an
// Info snapshot.
type Session struct {
	id         string
	localUID   string
	remoteUID  string
	direction  Direction
	media      proto.Media
	callerName string

	state     State
	reason    string
	startedAt time.Time
	activeAt  time.Time
	endedAt   time.Time

	remoteOffer *proto.Description
	localDesc   *proto.Description
	remoteDesc  *proto.Description

	// pendingCandidates holds remote candidates received before the remote
	// description was applied, in receipt order.
	pendingCandidates []proto.Candidate
	// localCandidates holds locally gathered candidates until the remote
	// side can use them (caller: answer received; callee: answer sent).
	localCandidates []proto.Candidate
	trickleLocal    bool

	audioOn bool
	videoOn bool

	peer      Peer
	local     LocalMedia
	acquiring bool

	timer    *time.Timer
	timerGen uint64
	teardown sync.Once
}

// SessionInfo is a read-only snapshot of a Session.
type SessionInfo struct {
	ID                string      `json:"id"`
	LocalUID          string      `json:"local_uid"`
	RemoteUID         string      `json:"remote_uid"`
	Direction         Direction   `json:"direction"`
	Media             proto.Media `json:"media"`
	CallerName        string      `json:"caller_name,omitempty"`
	State             State       `json:"state"`
	Reason            string      `json:"reason,omitempty"`
	AudioMuted        bool        `json:"audio_muted"`
	VideoMuted        bool        `json:"video_muted"`
	PendingCandidates int         `json:"pending_candidates"`
	AcquiringMedia    bool        `json:"acquiring_media"`
	StartedAt         time.Time   `json:"started_at"`
	ActiveAt          time.Time   `json:"active_at,omitzero"`
	EndedAt           time.Time   `json:"ended_at,omitzero"`
	Stats             PeerStats   `json:"stats"`
}

func newSession(id, localUID, remoteUID string, dir Direction, media proto.Media) *Session {
	return &Session{
		id:        id,
		localUID:  localUID,
		remoteUID: remoteUID,
		direction: dir,
		media:     media,
		state:     StateIdle,
		startedAt: time.Now(),
		audioOn:   true,
		videoOn:   media.Video(),
	}
}

func (s *Session) terminal() bool { return s.state == StateEnded }

// remoteApplied reports whether remote candidates can be applied directly.
func (s *Session) remoteApplied() bool { return s.peer != nil && s.remoteDesc != nil }

func (s *Session) info() SessionInfo {
	in := SessionInfo{
		ID:                s.id,
		LocalUID:          s.localUID,
		RemoteUID:         s.remoteUID,
		Direction:         s.direction,
		Media:             s.media,
		CallerName:        s.callerName,
		State:             s.state,
		Reason:            s.reason,
		AudioMuted:        !s.audioOn,
		VideoMuted:        s.media.Video() && !s.videoOn,
		PendingCandidates: len(s.pendingCandidates),
		AcquiringMedia:    s.acquiring,
		StartedAt:         s.startedAt,
		ActiveAt:          s.activeAt,
		EndedAt:           s.endedAt,
	}
	if s.peer != nil {
		in.Stats = s.peer.Stats()
	}
	return in
}

func (s *Session) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release closes the peer connection and local capture. Idempotent: media
// that arrives after release is closed by the acquisition handler instead.
func (s *Session) release() {
	s.teardown.Do(func() {
		s.stopTimer()
		if s.peer != nil {
			if err := s.peer.Close(); err != nil {
				log.Printf("CALL [%s]: close peer: %v", s.id, err)
			}
		}
		if s.local != nil {
			if err := s.local.Close(); err != nil {
				log.Printf("CALL [%s]: release media: %v", s.id, err)
			}
		}
		s.pendingCandidates = nil
		s.localCandidates = nil
	})
}
