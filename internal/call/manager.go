// Package call is the call session coordinator. A Manager owns at most one
// live call for the local user and drives it through offer/answer, trickle
// ICE and teardown. Every input (user actions, signaling envelopes, peer
// connection callbacks, timers and media acquisition results) is serialized
// through a single event loop, so session state has exactly one writer.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/proto"
)

const (
	eventQueueSize = 256
	sendTimeout    = 5 * time.Second
)

// Manager coordinates call sessions for one local uid.
type Manager struct {
	sig   Signaler
	peers PeerFactory
	media MediaSource
	cfg   Config
	self  string

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// owned by the loop
	sess        *Session
	channelLost bool

	listenerMu sync.RWMutex
	listeners  map[chan SessionInfo]struct{}
}

// New creates a Manager and starts its event loop.
func New(sig Signaler, peers PeerFactory, media MediaSource, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		sig:       sig,
		peers:     peers,
		media:     media,
		cfg:       cfg,
		self:      sig.UID(),
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
		listeners: make(map[chan SessionInfo]struct{}),
	}
	envs, cancel := sig.Subscribe()
	m.wg.Add(1)
	go m.loop(envs, cancel)
	return m
}

func (m *Manager) loop(envs chan *proto.Envelope, cancel func()) {
	defer m.wg.Done()
	defer cancel()

	lost := m.sig.Done()
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.events:
			fn()
		case env, ok := <-envs:
			if !ok {
				envs = nil
				continue
			}
			m.handleEnvelope(env)
		case <-lost:
			lost = nil
			m.onChannelLost()
		}
	}
}

// do runs fn on the event loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.events <- func() { reply <- fn() }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a callback goroutine. It reports false once the
// loop has stopped.
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// StartCall places a call to remote. It fails with ErrCallInProgress, and
// leaves the existing session untouched, while another call is live.
func (m *Manager) StartCall(ctx context.Context, remote string, media proto.Media) (SessionInfo, error) {
	if !media.Valid() {
		return SessionInfo{}, fmt.Errorf("unknown media %q", media)
	}
	if remote == "" || remote == m.self {
		return SessionInfo{}, errors.New("invalid remote uid")
	}
	var info SessionInfo
	err := m.do(ctx, func() error {
		if m.live() {
			return ErrCallInProgress
		}
		if m.channelLost {
			return ErrCallEnded
		}
		s := newSession(uuid.NewString(), m.self, remote, Outgoing, media)
		s.callerName = m.cfg.DisplayName
		m.sess = s
		m.setState(s, StateOutgoingPending, "")
		m.armTimer(s, m.cfg.DialTimeout)
		log.Printf("CALL [%s]: calling %s (%s)", s.id, remote, media)
		m.acquire(s)
		info = s.info()
		return nil
	})
	return info, err
}

// Accept answers the ringing incoming call.
func (m *Manager) Accept(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	err := m.do(ctx, func() error {
		s, err := m.current()
		if err != nil {
			return err
		}
		if s.state != StateIncomingRinging {
			return ErrInvalidState
		}
		s.stopTimer()
		m.setState(s, StateConnecting, "")
		m.armTimer(s, m.cfg.DialTimeout)
		log.Printf("CALL [%s]: accepted call from %s", s.id, s.remoteUID)
		m.acquire(s)
		info = s.info()
		return nil
	})
	return info, err
}

// Decline rejects the ringing incoming call.
func (m *Manager) Decline(ctx context.Context) error {
	return m.do(ctx, func() error {
		s, err := m.current()
		if err != nil {
			return err
		}
		if s.state != StateIncomingRinging {
			return ErrInvalidState
		}
		m.send(s, proto.KindCallRejected, proto.RejectedPayload{Reason: proto.RejectDeclined})
		m.end(s, "declined")
		return nil
	})
}

// End hangs up the current call. Ending a ringing call declines it.
func (m *Manager) End(ctx context.Context) error {
	return m.do(ctx, func() error {
		s, err := m.current()
		if err != nil {
			return err
		}
		if s.state == StateIncomingRinging {
			m.send(s, proto.KindCallRejected, proto.RejectedPayload{Reason: proto.RejectDeclined})
			m.end(s, "declined")
			return nil
		}
		m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndHangup})
		m.end(s, "hangup")
		return nil
	})
}

// ToggleAudio flips the local microphone. Returns the new muted state.
func (m *Manager) ToggleAudio(ctx context.Context) (muted bool, err error) {
	err = m.do(ctx, func() error {
		s, err := m.current()
		if err != nil {
			return err
		}
		s.audioOn = !s.audioOn
		if s.peer != nil {
			if err := s.peer.SetAudioEnabled(s.audioOn); err != nil {
				log.Printf("CALL [%s]: toggle audio: %v", s.id, err)
			}
		}
		muted = !s.audioOn
		log.Printf("CALL [%s]: audio muted=%v", s.id, muted)
		m.notify(s)
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (m *Manager) ToggleVideo(ctx context.Context) (disabled bool, err error) {
	err = m.do(ctx, func() error {
		s, err := m.current()
		if err != nil {
			return err
		}
		if !s.media.Video() {
			return ErrInvalidState
		}
		s.videoOn = !s.videoOn
		if s.peer != nil {
			if err := s.peer.SetVideoEnabled(s.videoOn); err != nil {
				log.Printf("CALL [%s]: toggle video: %v", s.id, err)
			}
		}
		disabled = !s.videoOn
		log.Printf("CALL [%s]: video disabled=%v", s.id, disabled)
		m.notify(s)
		return nil
	})
	return disabled, err
}

// Current returns a snapshot of the most recent session, which may be ended.
func (m *Manager) Current(ctx context.Context) (SessionInfo, bool) {
	var (
		info SessionInfo
		ok   bool
	)
	_ = m.do(ctx, func() error {
		if m.sess != nil {
			info, ok = m.sess.info(), true
		}
		return nil
	})
	return info, ok
}

// Subscribe returns a channel receiving a snapshot on every session change.
func (m *Manager) Subscribe() (ch chan SessionInfo, cancel func()) {
	ch = make(chan SessionInfo, 32)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close hangs up any live call and stops the event loop.
func (m *Manager) Close() {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = m.do(ctx, func() error {
			if m.live() {
				s := m.sess
				if s.state == StateIncomingRinging {
					m.send(s, proto.KindCallRejected, proto.RejectedPayload{Reason: proto.RejectDeclined})
				} else {
					m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndHangup})
				}
				m.end(s, "closed")
			}
			return nil
		})
		cancel()
		close(m.done)
		m.wg.Wait()

		m.listenerMu.Lock()
		for ch := range m.listeners {
			close(ch)
		}
		m.listeners = map[chan SessionInfo]struct{}{}
		m.listenerMu.Unlock()
	})
}

// ── loop-only helpers ────────────────────────────────────────────────────────

func (m *Manager) live() bool { return m.sess != nil && !m.sess.terminal() }

func (m *Manager) current() (*Session, error) {
	if !m.live() {
		return nil, ErrNoSession
	}
	return m.sess, nil
}

// owns reports whether env belongs to the live session.
func (m *Manager) owns(env *proto.Envelope) (*Session, bool) {
	if !m.live() {
		return nil, false
	}
	s := m.sess
	if env.SessionID != s.id || env.From != s.remoteUID {
		return nil, false
	}
	return s, true
}

func (m *Manager) setState(s *Session, st State, reason string) {
	if s.state == st {
		return
	}
	log.Printf("CALL [%s]: %s -> %s", s.id, s.state, st)
	s.state = st
	if reason != "" {
		s.reason = reason
	}
	switch st {
	case StateActive:
		s.activeAt = time.Now()
	case StateEnded:
		s.endedAt = time.Now()
	}
	m.notify(s)
}

func (m *Manager) notify(s *Session) {
	info := s.info()
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- info:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// send emits an envelope for s. Failures are logged; the state machine never
// waits on delivery.
func (m *Manager) send(s *Session, kind proto.Kind, payload any) bool {
	env, err := proto.NewEnvelope(kind, m.self, s.remoteUID, s.id, payload)
	if err != nil {
		log.Printf("CALL [%s]: build %s: %v", s.id, kind, err)
		return false
	}
	return m.transmit(env)
}

func (m *Manager) transmit(env *proto.Envelope) bool {
	if m.channelLost {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.sig.Send(ctx, env); err != nil {
		log.Printf("CALL [%s]: send %s: %v", env.SessionID, env.Kind, err)
		return false
	}
	return true
}

// end moves s to ended and releases its resources exactly once.
func (m *Manager) end(s *Session, reason string) {
	if s.terminal() {
		return
	}
	s.release()
	m.setState(s, StateEnded, reason)
	log.Printf("CALL [%s]: ended (%s)", s.id, reason)
}

// fail ends s after a local error, telling the peer when possible.
func (m *Manager) fail(s *Session, what string, err error) {
	log.Printf("CALL [%s]: %s: %v", s.id, what, err)
	m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndFailed})
	m.end(s, "failed: "+what)
}

func (m *Manager) armTimer(s *Session, d time.Duration) {
	s.stopTimer()
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		m.post(func() { m.onTimeout(s, gen) })
	})
}

func (m *Manager) onTimeout(s *Session, gen uint64) {
	// a timer stopped after firing still delivers; gen filters it out
	if m.sess != s || s.terminal() || gen != s.timerGen {
		return
	}
	switch s.state {
	case StateIncomingRinging:
		log.Printf("CALL [%s]: unanswered, rejecting", s.id)
		m.send(s, proto.KindCallRejected, proto.RejectedPayload{Reason: proto.RejectTimeout})
		m.end(s, "timeout")
	case StateOutgoingPending:
		m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndUnanswered})
		m.end(s, "unanswered")
	case StateConnecting:
		m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndFailed})
		m.end(s, "failed: connect timeout")
	}
}

func (m *Manager) onChannelLost() {
	m.channelLost = true
	if !m.live() {
		return
	}
	log.Printf("CALL [%s]: signaling channel lost", m.sess.id)
	m.end(m.sess, "channel lost")
}

// acquire starts local media capture off the loop. The result rejoins the
// loop through onMedia.
func (m *Manager) acquire(s *Session) {
	s.acquiring = true
	media := s.media
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		var (
			local LocalMedia
			err   error
		)
		if m.media != nil {
			local, err = m.media.Acquire(ctx, media)
		}
		if !m.post(func() { m.onMedia(s, local, err) }) && local != nil {
			local.Close()
		}
	}()
}

func (m *Manager) onMedia(s *Session, local LocalMedia, err error) {
	s.acquiring = false
	if s.terminal() || m.sess != s {
		// the call ended while devices were opening
		if local != nil {
			local.Close()
		}
		return
	}
	if err != nil {
		log.Printf("CALL [%s]: media unavailable, continuing receive-only: %v", s.id, err)
		local = nil
	}
	s.local = local

	id := s.id
	peer, err := m.peers.NewPeer(id, s.media, local, PeerEvents{
		OnCandidate: func(c proto.Candidate) {
			m.post(func() { m.onLocalCandidate(s, c) })
		},
		OnState: func(ps PeerState) {
			m.post(func() { m.onPeerState(s, ps) })
		},
	})
	if err != nil {
		m.fail(s, "create peer", err)
		return
	}
	s.peer = peer
	if !s.audioOn {
		peer.SetAudioEnabled(false)
	}
	if s.media.Video() && !s.videoOn {
		peer.SetVideoEnabled(false)
	}

	switch s.direction {
	case Outgoing:
		m.sendOffer(s)
	case Incoming:
		m.sendAnswer(s)
	}
}

func (m *Manager) sendOffer(s *Session) {
	desc, err := s.peer.CreateOffer()
	if err != nil {
		m.fail(s, "create offer", err)
		return
	}
	s.localDesc = &desc
	if !m.send(s, proto.KindCallOffer, proto.OfferPayload{
		Description: desc,
		Media:       s.media,
		CallerName:  s.callerName,
	}) {
		m.end(s, "failed: offer not sent")
	}
}

func (m *Manager) sendAnswer(s *Session) {
	if s.remoteOffer == nil {
		m.fail(s, "answer", errors.New("no stored offer"))
		return
	}
	if err := m.applyRemote(s, *s.remoteOffer); err != nil {
		m.fail(s, "apply offer", err)
		return
	}
	desc, err := s.peer.CreateAnswer()
	if err != nil {
		m.fail(s, "create answer", err)
		return
	}
	s.localDesc = &desc
	if !m.send(s, proto.KindCallAnswer, proto.AnswerPayload{Description: desc}) {
		m.end(s, "failed: answer not sent")
		return
	}
	m.flushLocalCandidates(s)
}

// applyRemote sets the remote description, then applies every buffered
// remote candidate in receipt order.
func (m *Manager) applyRemote(s *Session, desc proto.Description) error {
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteDesc = &desc
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.id, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: applied %d buffered candidates", s.id, len(pending))
	}
	return nil
}

func (m *Manager) flushLocalCandidates(s *Session) {
	s.trickleLocal = true
	queued := s.localCandidates
	s.localCandidates = nil
	for _, c := range queued {
		m.send(s, proto.KindICECandidate, proto.CandidatePayload{Candidate: c})
	}
}

func (m *Manager) onLocalCandidate(s *Session, c proto.Candidate) {
	if m.sess != s || s.terminal() {
		return
	}
	if !s.trickleLocal {
		s.localCandidates = append(s.localCandidates, c)
		return
	}
	m.send(s, proto.KindICECandidate, proto.CandidatePayload{Candidate: c})
}

func (m *Manager) onPeerState(s *Session, ps PeerState) {
	if m.sess != s || s.terminal() {
		return
	}
	switch ps {
	case PeerConnected:
		if s.state == StateConnecting {
			s.stopTimer()
			m.setState(s, StateActive, "")
		}
	case PeerFailed:
		m.send(s, proto.KindCallEnded, proto.EndedPayload{Reason: proto.EndFailed})
		m.end(s, "failed: ice")
	case PeerClosed:
		m.end(s, "peer closed")
	}
}
