package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// Client talks to the relay's directory, object store and conversation
// storage. Every failure is classified as proto.ErrNotFound or
// proto.ErrNetworkFailure so callers can decide whether to retry.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// MaxBlobBytes caps a downloaded blob. Defaults to DefaultMaxBlobBytes.
	MaxBlobBytes int64
}

// errForeignBlob rejects blob refs that point away from this client's relay.
var errForeignBlob = errors.New("blob ref is not on this relay")

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // blob uploads
		},
		MaxBlobBytes: DefaultMaxBlobBytes,
	}
}

// do sends a request and decodes a JSON response into out (if non-nil).
// 404 maps to ErrNotFound; transport errors and 5xx map to ErrNetworkFailure.
func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, u, proto.ErrNetworkFailure, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, u, proto.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: %w: status %s", method, u, proto.ErrNetworkFailure, resp.Status)
	case resp.StatusCode/100 != 2:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %s: %s", method, u, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if b, ok := out.(*[]byte); ok {
		limit := c.MaxBlobBytes
		if limit <= 0 {
			limit = DefaultMaxBlobBytes
		}
		*b, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return fmt.Errorf("%s %s: %w: %v", method, u, proto.ErrNetworkFailure, err)
		}
		if int64(len(*b)) > limit {
			*b = nil
			return fmt.Errorf("%s %s: body exceeds %d bytes", method, u, limit)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", u, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, u string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, u, "application/json", bytes.NewReader(b), out)
}

// PublishPublicKey registers uid's key with the directory.
func (c *Client) PublishPublicKey(ctx context.Context, uid, publicKey string) error {
	return c.postJSON(ctx, c.BaseURL+proto.KeysPath, proto.PublicKeyMsg{UID: uid, PublicKey: publicKey}, nil)
}

// FetchPublicKey returns uid's published key.
func (c *Client) FetchPublicKey(ctx context.Context, uid string) (string, error) {
	var msg proto.PublicKeyMsg
	if err := c.do(ctx, http.MethodGet, c.BaseURL+proto.KeysPath+"/"+url.PathEscape(uid), "", nil, &msg); err != nil {
		return "", err
	}
	return msg.PublicKey, nil
}

// PutBlob uploads ciphertext and returns the relay-relative ref
// ("/api/blobs/<id>"). The ref is what goes into a record, so every reader
// resolves it against its own relay address.
func (c *Client) PutBlob(ctx context.Context, data []byte) (string, error) {
	var ref proto.BlobRef
	if err := c.do(ctx, http.MethodPut, c.BaseURL+proto.BlobsPath, "application/octet-stream", bytes.NewReader(data), &ref); err != nil {
		return "", err
	}
	if !strings.HasPrefix(ref.URL, proto.BlobsPath+"/") {
		return "", fmt.Errorf("unexpected blob ref %q", ref.URL)
	}
	return ref.URL, nil
}

// GetBlob downloads a blob by the ref PutBlob returned. Refs come from
// peer-authored records, so only blobs on this client's relay are fetched.
func (c *Client) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	u, err := c.blobURL(ref)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := c.do(ctx, http.MethodGet, u, "", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// AppendRecord stores rec in its conversation and returns the assigned seq.
func (c *Client) AppendRecord(ctx context.Context, rec proto.Record) (int64, error) {
	var out struct {
		Seq int64 `json:"seq"`
	}
	u := c.BaseURL + proto.ConversationsPath + "/" + url.PathEscape(rec.ConversationID()) + "/messages"
	if err := c.postJSON(ctx, u, rec, &out); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// ListRecords fetches one page of a conversation. Zero values are omitted.
func (c *Client) ListRecords(ctx context.Context, conversationID string, before, after int64, limit int) (proto.Page, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.BaseURL + proto.ConversationsPath + "/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var page proto.Page
	if err := c.do(ctx, http.MethodGet, u, "", nil, &page); err != nil {
		return proto.Page{}, err
	}
	return page, nil
}

// GetRecord returns one stored record of a conversation.
func (c *Client) GetRecord(ctx context.Context, conversationID, id string) (proto.Record, error) {
	u := c.BaseURL + proto.ConversationsPath + "/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(id)
	var rec proto.Record
	if err := c.do(ctx, http.MethodGet, u, "", nil, &rec); err != nil {
		return proto.Record{}, err
	}
	return rec, nil
}

// blobURL maps a blob ref to a URL on this client's relay. Absolute refs are
// accepted only when they already point there.
func (c *Client) blobURL(ref string) (string, error) {
	prefix := c.BaseURL + proto.BlobsPath + "/"
	switch {
	case strings.HasPrefix(ref, proto.BlobsPath+"/"):
		ref = c.BaseURL + ref
	case strings.HasPrefix(ref, prefix):
	default:
		return "", fmt.Errorf("%w: %q", errForeignBlob, ref)
	}
	id := strings.TrimPrefix(ref, prefix)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("%w: %q", errForeignBlob, ref)
	}
	return ref, nil
}
