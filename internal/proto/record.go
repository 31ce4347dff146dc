package proto

import (
	"errors"
	"strings"
)

// RecordKind distinguishes text and attachment records.
type RecordKind string

const (
	RecordText       RecordKind = "text"
	RecordAttachment RecordKind = "attachment"
)

// Record is an encrypted chat message as stored by conversation storage.
// Text records carry two ciphertexts of the same plaintext; attachment
// records carry two wrapped copies of the same file key. Each party decrypts
// with its own private key only.
type Record struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq,omitempty"` // assigned by storage
	Kind       RecordKind `json:"kind"`
	SenderID   string     `json:"sender_id"`
	ReceiverID string     `json:"receiver_id"`
	CreatedAt  int64      `json:"created_at"`

	// text
	CiphertextForSender   []byte `json:"ciphertext_for_sender,omitempty"`
	CiphertextForReceiver []byte `json:"ciphertext_for_receiver,omitempty"`

	// attachment
	MediaType               string `json:"media_type,omitempty"`
	MediaURL                string `json:"media_url,omitempty"`
	IV                      []byte `json:"iv,omitempty"`
	Cipher                  string `json:"cipher,omitempty"`
	EncryptedKeyForSender   []byte `json:"encrypted_key_for_sender,omitempty"`
	EncryptedKeyForReceiver []byte `json:"encrypted_key_for_receiver,omitempty"`
	OriginalFileName        string `json:"original_file_name,omitempty"`
}

// ConversationID returns the conversation this record belongs to.
func (r *Record) ConversationID() string {
	return ConversationID(r.SenderID, r.ReceiverID)
}

// Validate checks the shape of a record before it is stored.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.SenderID) == "" || strings.TrimSpace(r.ReceiverID) == "" {
		return errors.New("record requires sender_id and receiver_id")
	}
	switch r.Kind {
	case RecordText:
		if len(r.CiphertextForSender) == 0 || len(r.CiphertextForReceiver) == 0 {
			return errors.New("text record requires both ciphertexts")
		}
	case RecordAttachment:
		if r.MediaURL == "" || len(r.IV) == 0 {
			return errors.New("attachment record requires media_url and iv")
		}
		if len(r.EncryptedKeyForSender) == 0 || len(r.EncryptedKeyForReceiver) == 0 {
			return errors.New("attachment record requires both wrapped keys")
		}
	default:
		return errors.New("unknown record kind " + string(r.Kind))
	}
	return nil
}

// Page is one slice of a conversation, oldest first.
type Page struct {
	Records []Record `json:"records"`
	// Before is the cursor for the next older page (0 when there is none).
	Before int64 `json:"before,omitempty"`
}

// PublicKeyMsg is the directory payload for publishing and fetching a key.
type PublicKeyMsg struct {
	UID       string `json:"uid"`
	PublicKey string `json:"public_key"` // base64 SPKI DER
}

// BlobRef is returned by the object store after an upload.
type BlobRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
