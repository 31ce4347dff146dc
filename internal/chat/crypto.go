package chat

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
)

var errNotParticipant = errors.New("record is not addressed to this user")

// ownCopy picks the ciphertext or wrapped key meant for self.
func ownCopy(rec *proto.Record, self string, forSender, forReceiver []byte) ([]byte, error) {
	switch self {
	case rec.SenderID:
		return forSender, nil
	case rec.ReceiverID:
		return forReceiver, nil
	}
	return nil, errNotParticipant
}

// open decrypts one record. Failures come back as an unavailable message,
// never as an error, so a batch always renders.
func (m *Manager) open(ctx context.Context, priv *rsa.PrivateKey, rec *proto.Record, withData bool) *Message {
	if err := rec.Validate(); err != nil {
		return unavailable(rec, m.self, err)
	}
	msg := fromRecord(rec, m.self)
	switch rec.Kind {
	case proto.RecordText:
		ct, err := ownCopy(rec, m.self, rec.CiphertextForSender, rec.CiphertextForReceiver)
		if err != nil {
			return unavailable(rec, m.self, err)
		}
		pt, err := e2ee.Decrypt(priv, ct)
		if err != nil {
			return unavailable(rec, m.self, err)
		}
		msg.Text = string(pt)

	case proto.RecordAttachment:
		wrapped, err := ownCopy(rec, m.self, rec.EncryptedKeyForSender, rec.EncryptedKeyForReceiver)
		if err != nil {
			return unavailable(rec, m.self, err)
		}
		att := &Attachment{
			Name:      rec.OriginalFileName,
			MediaType: rec.MediaType,
			URL:       rec.MediaURL,
		}
		if withData {
			blob, err := m.objects.GetBlob(ctx, rec.MediaURL)
			if err != nil {
				return unavailable(rec, m.self, fmt.Errorf("fetch attachment: %w", err))
			}
			data, err := e2ee.OpenFile(priv, wrapped, rec.IV, blob, rec.Cipher)
			if err != nil {
				return unavailable(rec, m.self, err)
			}
			att.Data = data
			att.Size = len(data)
		}
		msg.Attachment = att
	}
	return msg
}

// openAll decrypts recs on the worker pool, preserving order.
func (m *Manager) openAll(ctx context.Context, recs []proto.Record, withData bool) ([]*Message, error) {
	priv, err := m.keys.PrivateKey(m.self)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i := range recs {
		g.Go(func() error {
			out[i] = m.open(gctx, priv, &recs[i], withData)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
