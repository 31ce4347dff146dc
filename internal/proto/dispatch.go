package proto

import (
	"encoding/json"
	"fmt"
)

// Handler receives decoded envelopes, one method per kind. Adding a kind to
// the protocol means adding a method here, so every implementation has to
// handle it before the code compiles again.
type Handler interface {
	OnOffer(env *Envelope, p OfferPayload)
	OnAnswer(env *Envelope, p AnswerPayload)
	OnCandidate(env *Envelope, p CandidatePayload)
	OnRejected(env *Envelope, p RejectedPayload)
	OnEnded(env *Envelope, p EndedPayload)
}

// Dispatch decodes env's payload according to its kind and calls the
// matching Handler method.
func Dispatch(env *Envelope, h Handler) error {
	switch env.Kind {
	case KindCallOffer:
		var p OfferPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		h.OnOffer(env, p)
	case KindCallAnswer:
		var p AnswerPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		h.OnAnswer(env, p)
	case KindICECandidate:
		var p CandidatePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		h.OnCandidate(env, p)
	case KindCallRejected:
		var p RejectedPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		h.OnRejected(env, p)
	case KindCallEnded:
		var p EndedPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		h.OnEnded(env, p)
	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return nil
}

func decode(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}
