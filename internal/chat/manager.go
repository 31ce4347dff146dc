// Package chat is the message and attachment pipeline. Outgoing text is
// sealed for both parties and appended to conversation storage; attachments
// are encrypted once, uploaded as ciphertext, and their key wrapped per
// party. Incoming records are decrypted with the local private key only.
package chat

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	// DefaultBufferSize is the number of recent messages kept in memory.
	DefaultBufferSize = 100

	// MediaPageSize is the attachment gallery page size.
	MediaPageSize = 6
)

// Keys resolves key material. keystore.Store satisfies it.
type Keys interface {
	PrivateKey(uid string) (*rsa.PrivateKey, error)
	FetchPublicKey(ctx context.Context, uid string) (*rsa.PublicKey, error)
}

// Conversations is the append-only conversation store. relay.Client
// satisfies it.
type Conversations interface {
	AppendRecord(ctx context.Context, rec proto.Record) (int64, error)
	ListRecords(ctx context.Context, conversationID string, before, after int64, limit int) (proto.Page, error)
	GetRecord(ctx context.Context, conversationID, id string) (proto.Record, error)
}

// Objects is the ciphertext object store. relay.Client satisfies it.
type Objects interface {
	PutBlob(ctx context.Context, data []byte) (string, error)
	GetBlob(ctx context.Context, url string) ([]byte, error)
}

// Options tunes the pipeline.
type Options struct {
	// Workers bounds concurrent decryptions. Defaults to GOMAXPROCS.
	Workers int
	// Cipher is the attachment cipher (e2ee.CipherAESGCM by default).
	Cipher     string
	BufferSize int
	PageSize   int
}

type keyPair struct {
	self *rsa.PublicKey
	peer *rsa.PublicKey
}

// Manager handles chat for the local user.
type Manager struct {
	self    string
	keys    Keys
	convs   Conversations
	objects Objects
	opts    Options

	messages *util.RingBuffer[*Message]

	mu        sync.RWMutex
	listeners []chan *Message
	pubkeys   map[string]keyPair // by conversation id
	cursors   map[string]int64   // last synced seq by conversation id
	seen      map[string]struct{}
}

// New creates a chat manager for self.
func New(self string, keys Keys, convs Conversations, objects Objects, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Cipher == "" {
		opts.Cipher = e2ee.CipherAESGCM
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Manager{
		self:     self,
		keys:     keys,
		convs:    convs,
		objects:  objects,
		opts:     opts,
		messages: util.NewRingBuffer[*Message](opts.BufferSize),
		pubkeys:  make(map[string]keyPair),
		cursors:  make(map[string]int64),
		seen:     make(map[string]struct{}),
	}
}

// publicKeys returns both parties' keys for the conversation with peer,
// fetching them once.
func (m *Manager) publicKeys(ctx context.Context, peer string) (keyPair, error) {
	cid := proto.ConversationID(m.self, peer)
	m.mu.RLock()
	kp, ok := m.pubkeys[cid]
	m.mu.RUnlock()
	if ok {
		return kp, nil
	}

	self, err := m.keys.FetchPublicKey(ctx, m.self)
	if err != nil {
		return keyPair{}, fmt.Errorf("own public key: %w", err)
	}
	other, err := m.keys.FetchPublicKey(ctx, peer)
	if err != nil {
		return keyPair{}, fmt.Errorf("public key for %s: %w", peer, err)
	}
	kp = keyPair{self: self, peer: other}

	m.mu.Lock()
	m.pubkeys[cid] = kp
	m.mu.Unlock()
	return kp, nil
}

func (m *Manager) checkPeer(to string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("recipient required")
	}
	if to == m.self {
		return errors.New("cannot message yourself")
	}
	return nil
}

// SendText encrypts text for both parties and appends it to the conversation.
// The plaintext is shown locally before the store confirms it.
func (m *Manager) SendText(ctx context.Context, to, text string) (*Message, error) {
	if err := m.checkPeer(to); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.New("empty message")
	}
	kp, err := m.publicKeys(ctx, to)
	if err != nil {
		return nil, err
	}
	sealed, err := e2ee.EncryptText(ctx, []byte(text), kp.self, kp.peer)
	if err != nil {
		return nil, err
	}

	rec := proto.Record{
		ID:                    uuid.NewString(),
		Kind:                  proto.RecordText,
		SenderID:              m.self,
		ReceiverID:            to,
		CreatedAt:             proto.NowMillis(),
		CiphertextForSender:   sealed.ForSender,
		CiphertextForReceiver: sealed.ForReceiver,
	}
	msg := fromRecord(&rec, m.self)
	msg.Text = text
	return m.commit(ctx, rec, msg)
}

// SendAttachment encrypts data under a fresh key, uploads the ciphertext and
// appends a record carrying the key wrapped for both parties.
func (m *Manager) SendAttachment(ctx context.Context, to, name, mediaType string, data []byte) (*Message, error) {
	if err := m.checkPeer(to); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty attachment")
	}
	kp, err := m.publicKeys(ctx, to)
	if err != nil {
		return nil, err
	}
	sealed, err := e2ee.SealFile(data, m.opts.Cipher, kp.self, kp.peer)
	if err != nil {
		return nil, err
	}
	url, err := m.objects.PutBlob(ctx, sealed.Blob)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	rec := proto.Record{
		ID:                      uuid.NewString(),
		Kind:                    proto.RecordAttachment,
		SenderID:                m.self,
		ReceiverID:              to,
		CreatedAt:               proto.NowMillis(),
		MediaType:               mediaType,
		MediaURL:                url,
		IV:                      sealed.Nonce,
		Cipher:                  sealed.Cipher,
		EncryptedKeyForSender:   sealed.WrappedKeys[0],
		EncryptedKeyForReceiver: sealed.WrappedKeys[1],
		OriginalFileName:        name,
	}
	msg := fromRecord(&rec, m.self)
	msg.Attachment = &Attachment{
		Name:      name,
		MediaType: mediaType,
		URL:       url,
		Size:      len(data),
		Data:      data,
	}
	return m.commit(ctx, rec, msg)
}

// commit shows msg optimistically, then appends rec to the store.
func (m *Manager) commit(ctx context.Context, rec proto.Record, msg *Message) (*Message, error) {
	m.markSeen(rec.ID)
	m.addMessage(msg)

	seq, err := m.convs.AppendRecord(ctx, rec)
	if err != nil {
		failed := *msg
		failed.SendError = err.Error()
		m.notify(&failed)
		log.Printf("CHAT: send %s to %s failed: %v", rec.Kind, rec.ReceiverID, err)
		return &failed, err
	}
	sent := *msg
	sent.Seq = seq
	log.Printf("CHAT: sent %s %s to %s (seq %d)", rec.Kind, rec.ID, rec.ReceiverID, seq)
	return &sent, nil
}

// Receive decrypts one incoming record and adds it to the recent buffer.
// A record that cannot be decrypted is returned as unavailable.
func (m *Manager) Receive(ctx context.Context, rec proto.Record) (*Message, error) {
	priv, err := m.keys.PrivateKey(m.self)
	if err != nil {
		return nil, err
	}
	msg := m.open(ctx, priv, &rec, true)
	if msg.Unavailable {
		log.Printf("CHAT: record %s from %s unavailable: %s", rec.ID, rec.SenderID, msg.Reason)
	}
	if m.markSeen(rec.ID) {
		m.addMessage(msg)
	}
	return msg, nil
}

// Consume feeds records pushed by the relay into Receive until records is
// closed or ctx ends. Records this manager already showed are skipped.
func (m *Manager) Consume(ctx context.Context, records <-chan proto.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if rec.ReceiverID != m.self {
				continue
			}
			if _, err := m.Receive(ctx, rec); err != nil {
				log.Printf("CHAT: receive %s from %s: %v", rec.ID, rec.SenderID, err)
			}
		}
	}
}

// History returns one page of the conversation with peer, oldest first.
// before = 0 starts from the newest record.
func (m *Manager) History(ctx context.Context, peer string, before int64, limit int) (*Page, error) {
	if err := m.checkPeer(peer); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.opts.PageSize
	}
	page, err := m.convs.ListRecords(ctx, proto.ConversationID(m.self, peer), before, 0, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := m.openAll(ctx, page.Records, true)
	if err != nil {
		return nil, err
	}
	return &Page{Messages: msgs, Before: page.Before}, nil
}

// Sync pulls every record of the conversation with peer that arrived since
// the last sync, decrypts it and delivers it to subscribers. Records this
// manager already showed (its own sends) only advance the cursor.
func (m *Manager) Sync(ctx context.Context, peer string) ([]*Message, error) {
	if err := m.checkPeer(peer); err != nil {
		return nil, err
	}
	cid := proto.ConversationID(m.self, peer)

	var fresh []*Message
	for {
		m.mu.RLock()
		after := m.cursors[cid]
		m.mu.RUnlock()

		page, err := m.convs.ListRecords(ctx, cid, 0, after, m.opts.PageSize)
		if err != nil {
			return fresh, err
		}
		if len(page.Records) == 0 {
			break
		}
		msgs, err := m.openAll(ctx, page.Records, true)
		if err != nil {
			return fresh, err
		}
		for _, msg := range msgs {
			if m.markSeen(msg.ID) {
				m.addMessage(msg)
				fresh = append(fresh, msg)
			}
		}

		m.mu.Lock()
		if last := page.Records[len(page.Records)-1].Seq; last > m.cursors[cid] {
			m.cursors[cid] = last
		}
		m.mu.Unlock()

		if len(page.Records) < m.opts.PageSize {
			break
		}
	}
	if len(fresh) > 0 {
		log.Printf("CHAT: synced %d new messages with %s", len(fresh), peer)
	}
	return fresh, nil
}

// Media returns one gallery page of attachments exchanged with peer, newest
// first. Pages are MediaPageSize items; page 0 is the newest.
func (m *Manager) Media(ctx context.Context, peer string, page int) (*MediaPage, error) {
	if err := m.checkPeer(peer); err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	cid := proto.ConversationID(m.self, peer)
	skip := page * MediaPageSize

	var (
		picked  []proto.Record
		hasMore bool
		before  int64
	)
	for {
		p, err := m.convs.ListRecords(ctx, cid, before, 0, m.opts.PageSize)
		if err != nil {
			return nil, err
		}
		for i := len(p.Records) - 1; i >= 0; i-- {
			rec := p.Records[i]
			if rec.Kind != proto.RecordAttachment {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			if len(picked) == MediaPageSize {
				hasMore = true
				break
			}
			picked = append(picked, rec)
		}
		if hasMore || p.Before == 0 {
			break
		}
		before = p.Before
	}

	items, err := m.openAll(ctx, picked, false)
	if err != nil {
		return nil, err
	}
	return &MediaPage{Items: items, Page: page, HasMore: hasMore}, nil
}

// Attachment fetches and decrypts the attachment of record id in the
// conversation with peer. Gallery pages list attachments without data; this
// loads one of them.
func (m *Manager) Attachment(ctx context.Context, peer, id string) (*Message, error) {
	if err := m.checkPeer(peer); err != nil {
		return nil, err
	}
	rec, err := m.convs.GetRecord(ctx, proto.ConversationID(m.self, peer), id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != proto.RecordAttachment {
		return nil, fmt.Errorf("record %s is not an attachment: %w", id, proto.ErrNotFound)
	}
	priv, err := m.keys.PrivateKey(m.self)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, priv, &rec, true), nil
}

// Recent returns the buffered messages exchanged with peer, oldest first.
func (m *Manager) Recent(peer string) []*Message {
	return m.messages.Filter(func(msg *Message) bool {
		return msg.peerOf(m.self) == peer
	})
}

// Subscribe returns a channel that receives new messages.
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 32)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// markSeen records id and reports whether it was new.
func (m *Manager) markSeen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false
	}
	m.seen[id] = struct{}{}
	return true
}

func (m *Manager) addMessage(msg *Message) {
	m.messages.Push(msg)
	m.notify(msg)
}

func (m *Manager) notify(msg *Message) {
	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close shuts down the chat manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}
