package chat

import "github.com/petervdpas/goopcall/internal/proto"

// Message is a decrypted (or undecryptable) chat record ready for display.
type Message struct {
	ID             string           `json:"id"`
	Seq            int64            `json:"seq,omitempty"` // 0 until the conversation store accepts it
	ConversationID string           `json:"conversation_id"`
	From           string           `json:"from"`
	To             string           `json:"to"`
	Kind           proto.RecordKind `json:"kind"`
	Text           string           `json:"text,omitempty"`
	Attachment     *Attachment      `json:"attachment,omitempty"`
	Timestamp      int64            `json:"timestamp"` // unix milliseconds
	Outgoing       bool             `json:"outgoing"`

	// Unavailable marks a record that could not be decrypted. The rest of the
	// conversation still renders.
	Unavailable bool   `json:"unavailable,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// SendError is set on an optimistic local message the store rejected.
	SendError string `json:"send_error,omitempty"`
}

// Attachment is a decrypted file.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Size      int    `json:"size"`
	Data      []byte `json:"data,omitempty"`
}

// Page is one decrypted slice of a conversation, oldest first.
type Page struct {
	Messages []*Message `json:"messages"`
	// Before is the cursor for the next older page (0 when there is none).
	Before int64 `json:"before,omitempty"`
}

// MediaPage is one page of a conversation's attachment gallery.
type MediaPage struct {
	Items   []*Message `json:"items"`
	Page    int        `json:"page"`
	HasMore bool       `json:"has_more"`
}

func unavailable(rec *proto.Record, self string, err error) *Message {
	msg := fromRecord(rec, self)
	msg.Unavailable = true
	msg.Reason = err.Error()
	return msg
}

func fromRecord(rec *proto.Record, self string) *Message {
	return &Message{
		ID:             rec.ID,
		Seq:            rec.Seq,
		ConversationID: rec.ConversationID(),
		From:           rec.SenderID,
		To:             rec.ReceiverID,
		Kind:           rec.Kind,
		Timestamp:      rec.CreatedAt,
		Outgoing:       rec.SenderID == self,
	}
}

// peerOf returns the other party of msg as seen from self.
func (msg *Message) peerOf(self string) string {
	if msg.From == self {
		return msg.To
	}
	return msg.From
}
