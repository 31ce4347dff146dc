package call

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

const pliInterval = 3 * time.Second

// PionOptions configures the pion-backed PeerFactory.
type PionOptions struct {
	ICEServers []string
	// ICE disconnected/failed timeouts. Zero keeps 30s/120s, long enough for
	// a relay path to recover from a brief outage without ending the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

type pionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory builds a PeerFactory on pion/webrtc with the default codecs
// and interceptors.
func NewPionFactory(opts PionOptions) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	disconnected, failed := opts.DisconnectedTimeout, opts.FailedTimeout
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, 2*time.Second)

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return &pionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		iceServers: []webrtc.ICEServer{{URLs: servers}},
	}, nil
}

type pionPeer struct {
	id string
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks  map[webrtc.RTPCodecType]webrtc.TrackLocal

	closed       atomic.Bool
	remoteTracks atomic.Int32
	packets      atomic.Uint64
	bytes        atomic.Uint64
	plis         atomic.Uint64
	stop         chan struct{}
}

func (f *pionFactory) NewPeer(sessionID string, media proto.Media, local LocalMedia, ev PeerEvents) (Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}
	p := &pionPeer{
		id:      sessionID,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		stop:    make(chan struct{}),
	}

	if local != nil {
		for _, t := range local.Tracks() {
			if t.Kind() == webrtc.RTPCodecTypeVideo && !media.Video() {
				continue
			}
			sender, err := pc.AddTrack(t)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack(%s) error: %v", sessionID, t.Kind(), err)
				continue
			}
			p.senders[t.Kind()] = sender
			p.tracks[t.Kind()] = t
			go drainRTCP(sender)
		}
	}
	// recvonly transceivers keep valid m-lines for kinds we do not send
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if media.Video() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, ok := p.senders[k]; ok {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(%s) error: %v", sessionID, k, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || p.closed.Load() || ev.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		ev.OnCandidate(proto.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", sessionID, s)
		if p.closed.Load() || ev.OnState == nil {
			return
		}
		ev.OnState(peerState(s))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.remoteTracks.Add(1)
		log.Printf("CALL [%s]: remote %s track (%s)", sessionID, track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.sendPLI(track)
		}
		go p.readRemote(track)
	})

	return p, nil
}

func (p *pionPeer) CreateOffer() (proto.Description, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return proto.Description{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return proto.Description{}, err
	}
	return proto.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (proto.Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return proto.Description{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return proto.Description{}, err
	}
	return proto.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(d proto.Description) error {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPType(webrtc.Unknown) {
		return errors.New("unknown sdp type " + d.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP})
}

func (p *pionPeer) AddICECandidate(c proto.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) SetAudioEnabled(on bool) error {
	return p.setEnabled(webrtc.RTPCodecTypeAudio, on)
}

func (p *pionPeer) SetVideoEnabled(on bool) error {
	return p.setEnabled(webrtc.RTPCodecTypeVideo, on)
}

// setEnabled detaches or reattaches the local track. A detached sender keeps
// its m-line, so no renegotiation is needed.
func (p *pionPeer) setEnabled(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	sender, track := p.senders[kind], p.tracks[kind]
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func (p *pionPeer) Stats() PeerStats {
	return PeerStats{
		RemoteTracks:    int(p.remoteTracks.Load()),
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
		PLIsSent:        p.plis.Load(),
	}
}

func (p *pionPeer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	return p.pc.Close()
}

func (p *pionPeer) readRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// sendPLI asks the sender for a keyframe periodically so a late or lossy
// start recovers a decodable picture.
func (p *pionPeer) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
			p.plis.Add(1)
		}
	}
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}
