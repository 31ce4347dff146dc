package call

import (
	"log"

	"github.com/petervdpas/goopcall/internal/proto"
)

// envelopeHandler adapts the Manager to proto.Handler. It runs on the loop.
type envelopeHandler struct{ m *Manager }

var _ proto.Handler = envelopeHandler{}

func (m *Manager) handleEnvelope(env *proto.Envelope) {
	if env.To != m.self {
		return
	}
	if err := proto.Dispatch(env, envelopeHandler{m}); err != nil {
		log.Printf("CALL: bad envelope from %s: %v", env.From, err)
	}
}

func (h envelopeHandler) OnOffer(env *proto.Envelope, p proto.OfferPayload) {
	m := h.m
	if m.live() {
		if m.sess.id == env.SessionID {
			return
		}
		// one live session per user: the newcomer gets busy
		log.Printf("CALL [%s]: busy, rejecting offer %s from %s", m.sess.id, env.SessionID, env.From)
		m.sendRaw(env.From, env.SessionID, proto.KindCallRejected, proto.RejectedPayload{Reason: proto.RejectBusy})
		return
	}
	if env.SessionID == "" || !p.Media.Valid() || p.Description.SDP == "" {
		log.Printf("CALL: malformed offer from %s", env.From)
		return
	}

	s := newSession(env.SessionID, m.self, env.From, Incoming, p.Media)
	s.callerName = p.CallerName
	desc := p.Description
	s.remoteOffer = &desc
	m.sess = s
	m.setState(s, StateIncomingRinging, "")
	m.armTimer(s, m.cfg.RingTimeout)
	log.Printf("CALL [%s]: incoming %s call from %s", s.id, p.Media, env.From)
}

func (h envelopeHandler) OnAnswer(env *proto.Envelope, p proto.AnswerPayload) {
	m := h.m
	s, ok := m.owns(env)
	if !ok || s.direction != Outgoing || s.state != StateOutgoingPending {
		return
	}
	if s.peer == nil {
		// answer cannot precede our offer
		return
	}
	if err := m.applyRemote(s, p.Description); err != nil {
		m.fail(s, "apply answer", err)
		return
	}
	m.setState(s, StateConnecting, "")
	m.flushLocalCandidates(s)
}

func (h envelopeHandler) OnCandidate(env *proto.Envelope, p proto.CandidatePayload) {
	m := h.m
	s, ok := m.owns(env)
	if !ok {
		return
	}
	if !s.remoteApplied() {
		s.pendingCandidates = append(s.pendingCandidates, p.Candidate)
		return
	}
	if err := s.peer.AddICECandidate(p.Candidate); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

func (h envelopeHandler) OnRejected(env *proto.Envelope, p proto.RejectedPayload) {
	m := h.m
	s, ok := m.owns(env)
	if !ok {
		return
	}
	reason := string(p.Reason)
	if reason == "" {
		reason = string(proto.RejectDeclined)
	}
	m.end(s, "rejected: "+reason)
}

func (h envelopeHandler) OnEnded(env *proto.Envelope, p proto.EndedPayload) {
	m := h.m
	s, ok := m.owns(env)
	if !ok {
		return
	}
	reason := string(p.Reason)
	if reason == "" {
		reason = string(proto.EndHangup)
	}
	m.end(s, "remote "+reason)
}

// sendRaw answers an envelope that has no session of its own.
func (m *Manager) sendRaw(to, sessionID string, kind proto.Kind, payload any) {
	env, err := proto.NewEnvelope(kind, m.self, to, sessionID, payload)
	if err != nil {
		log.Printf("CALL: build %s: %v", kind, err)
		return
	}
	m.transmit(env)
}
