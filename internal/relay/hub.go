package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
)

var hubLog = logging.Logger("relay/hub")

const (
	sendQueueSize   = 64
	registerTimeout = 10 * time.Second
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameBytes   = 256 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub routes envelopes between registered connections by uid. There is no
// queue for absent peers: an envelope for a uid with no live connection is
// dropped.
type hub struct {
	mu    sync.Mutex
	conns map[string]*peerConn
	m     *metrics
}

type peerConn struct {
	uid  string
	ws   *websocket.Conn
	send chan proto.Frame
	done chan struct{}
	once sync.Once
}

func newHub(m *metrics) *hub {
	return &hub{conns: make(map[string]*peerConn), m: m}
}

func (c *peerConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue never blocks; a peer that cannot keep up loses frames.
func (c *peerConn) enqueue(f proto.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hubLog.Debugf("upgrade: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	uid, err := readRegister(ws)
	if err != nil {
		hubLog.Debugf("register from %s: %v", r.RemoteAddr, err)
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteJSON(proto.Frame{Type: proto.FrameError, Error: err.Error()})
		ws.Close()
		return
	}

	c := &peerConn{
		uid:  uid,
		ws:   ws,
		send: make(chan proto.Frame, sendQueueSize),
		done: make(chan struct{}),
	}
	h.register(c)
	c.enqueue(proto.Frame{Type: proto.FrameRegistered, UID: uid})

	go h.writePump(c)
	h.readPump(c)
}

func readRegister(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(registerTimeout))
	var f proto.Frame
	if err := ws.ReadJSON(&f); err != nil {
		return "", err
	}
	if f.Type != proto.FrameRegister {
		return "", errFirstFrame
	}
	uid := strings.TrimSpace(f.UID)
	if uid == "" {
		return "", errMissingUID
	}
	return uid, nil
}

// register maps uid to c. A re-register replaces and closes the old
// connection, which makes reconnects idempotent.
func (h *hub) register(c *peerConn) {
	h.mu.Lock()
	old := h.conns[c.uid]
	h.conns[c.uid] = c
	if old == nil {
		h.m.connectedClients.Inc()
	}
	h.mu.Unlock()

	if old != nil {
		hubLog.Debugf("uid %s re-registered, closing previous connection", c.uid)
		old.close()
	}
	hubLog.Infof("registered %s", c.uid)
}

func (h *hub) unregister(c *peerConn) {
	h.mu.Lock()
	if h.conns[c.uid] == c {
		delete(h.conns, c.uid)
		h.m.connectedClients.Dec()
		hubLog.Infof("unregistered %s", c.uid)
	}
	h.mu.Unlock()
	c.close()
}

func (h *hub) lookup(uid string) *peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[uid]
}

func (h *hub) readPump(c *peerConn) {
	defer h.unregister(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hubLog.Debugf("read %s: %v", c.uid, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(proto.Frame{Type: proto.FrameError, Error: "malformed frame"})
			continue
		}
		switch f.Type {
		case proto.FrameEnvelope:
			h.forward(c, f.Envelope)
		case proto.FrameRecord:
			c.enqueue(proto.Frame{Type: proto.FrameError, Error: "records are stored over http"})
		case proto.FrameRegister:
			// already registered on this connection
			c.enqueue(proto.Frame{Type: proto.FrameRegistered, UID: c.uid})
		default:
			c.enqueue(proto.Frame{Type: proto.FrameError, Error: "unexpected frame " + f.Type})
		}
	}
}

func (h *hub) forward(from *peerConn, env *proto.Envelope) {
	if err := env.Validate(); err != nil {
		from.enqueue(proto.Frame{Type: proto.FrameError, Error: err.Error()})
		return
	}
	if env.From != from.uid {
		h.m.envelopesDropped.WithLabelValues(string(env.Kind), "spoofed").Inc()
		from.enqueue(proto.Frame{Type: proto.FrameError, Error: "envelope from does not match registered uid"})
		return
	}

	to := h.lookup(env.To)
	if to == nil {
		h.m.envelopesDropped.WithLabelValues(string(env.Kind), "offline").Inc()
		hubLog.Debugf("drop %s %s -> %s: not connected", env.Kind, env.From, env.To)
		return
	}
	if !to.enqueue(proto.Frame{Type: proto.FrameEnvelope, Envelope: env}) {
		h.m.envelopesDropped.WithLabelValues(string(env.Kind), "backpressure").Inc()
		hubLog.Warnf("drop %s %s -> %s: send queue full", env.Kind, env.From, env.To)
		return
	}
	h.m.envelopesForwarded.WithLabelValues(string(env.Kind)).Inc()
}

// push delivers a stored record to its receiver's live connection, if any.
// Offline receivers catch up from conversation storage.
func (h *hub) push(rec proto.Record) {
	to := h.lookup(rec.ReceiverID)
	if to == nil {
		return
	}
	if !to.enqueue(proto.Frame{Type: proto.FrameRecord, Record: &rec}) {
		h.m.recordsPushed.WithLabelValues("dropped").Inc()
		hubLog.Warnf("record %s -> %s: send queue full", rec.ID, rec.ReceiverID)
		return
	}
	h.m.recordsPushed.WithLabelValues("delivered").Inc()
}

func (h *hub) writePump(c *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*peerConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
