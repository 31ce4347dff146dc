package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/proto"
)

// DefaultPageSize matches the history window the chat view loads at once.
const DefaultPageSize = 50

const maxPageSize = 500

// AppendRecord appends rec to its conversation and returns the assigned
// sequence number. Appending a record whose ID is already stored returns the
// original sequence number, so client retries do not duplicate messages.
func (d *DB) AppendRecord(rec proto.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	if rec.ID == "" {
		return 0, errors.New("record requires id")
	}
	rec.Seq = 0
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var seq int64
	err = d.db.QueryRow(`SELECT seq FROM _messages WHERE id = ?`, rec.ID).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	res, err := d.db.Exec(`
		INSERT INTO _messages (id, conversation_id, kind, sender_id, receiver_id, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID(), string(rec.Kind), rec.SenderID, rec.ReceiverID, string(body), rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

// PageOpts selects a slice of a conversation.
//   - After > 0: records with seq > After, oldest first (catch-up).
//   - otherwise: the newest Limit records with seq < Before (Before 0 = latest),
//     returned oldest first.
type PageOpts struct {
	ConversationID string
	Before         int64
	After          int64
	Limit          int
}

// ListRecords returns one page of a conversation, newest-last.
func (d *DB) ListRecords(opts PageOpts) (proto.Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var (
		rows *sql.Rows
		err  error
	)
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch {
	case opts.After > 0:
		rows, err = d.db.Query(`
			SELECT seq, record FROM _messages
			WHERE conversation_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?`, opts.ConversationID, opts.After, limit)
	case opts.Before > 0:
		rows, err = d.db.Query(`
			SELECT seq, record FROM _messages
			WHERE conversation_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT ?`, opts.ConversationID, opts.Before, limit)
	default:
		rows, err = d.db.Query(`
			SELECT seq, record FROM _messages
			WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?`, opts.ConversationID, limit)
	}
	if err != nil {
		return proto.Page{}, err
	}
	defer rows.Close()

	var recs []proto.Record
	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			return proto.Page{}, err
		}
		var rec proto.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return proto.Page{}, fmt.Errorf("decode record %d: %w", seq, err)
		}
		rec.Seq = seq
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return proto.Page{}, err
	}

	page := proto.Page{Records: recs}
	if opts.After > 0 {
		return page, nil
	}

	// descending -> oldest first
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	if len(recs) == limit {
		page.Before = recs[0].Seq
	}
	return page, nil
}

// GetRecord returns one record of a conversation by id, or proto.ErrNotFound.
func (d *DB) GetRecord(conversationID, id string) (proto.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var seq int64
	var body string
	err := d.db.QueryRow(`
		SELECT seq, record FROM _messages
		WHERE conversation_id = ? AND id = ?`, conversationID, id).Scan(&seq, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Record{}, fmt.Errorf("record %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return proto.Record{}, err
	}
	var rec proto.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return proto.Record{}, fmt.Errorf("decode record %d: %w", seq, err)
	}
	rec.Seq = seq
	return rec, nil
}
