package core

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const defaultWebRTCMaxMessage = 256 * 1024

// WebRTCConnection is the Remote NetworkConnection backend: a single
// point-to-point RTCPeerConnection carrying one ordered, reliable
// RTCDataChannel. Signaling (the SDP offer/answer and ICE candidate
// exchange) travels over an out-of-band channel this module does not
// own: the backend only produces/consumes signaling payloads through
// SignalingCallbacks and SetRemoteDescription/AddICECandidate, and never
// opens a socket of its own to a signaling server.
type WebRTCConnection struct {
	BaseConnection

	cfg        WebRTCConfig
	signaling  SignalingCallbacks
	label      string
	maxMessage int

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state ConnectionState

	polite bool
}

func newWebRTCConnection(cfg ConnectionConfig) (*WebRTCConnection, error) {
	label := cfg.DataChannelLabel
	if label == "" {
		label = cfg.WebRTC.DataChannelLabel
	}
	if label == "" {
		label = "entropy-data"
	}
	maxMsg := cfg.WebRTC.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = defaultWebRTCMaxMessage
	}
	return &WebRTCConnection{
		cfg:        cfg.WebRTC,
		signaling:  cfg.Signaling,
		label:      label,
		maxMessage: maxMsg,
		state:      StateDisconnected,
		polite:     cfg.WebRTC.Polite,
	}, nil
}

func (w *WebRTCConnection) setState(s ConnectionState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.DeliverState(s)
}

func (w *WebRTCConnection) iceServers() []webrtc.ICEServer {
	if len(w.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: w.cfg.ICEServers}}
}

// Connect creates the underlying RTCPeerConnection, opens the data
// channel (the polite peer per cfg.Polite instead waits for an incoming
// channel via OnDataChannel), and publishes the
// local SDP offer and trickled ICE candidates through
// SignalingCallbacks. The caller is responsible for delivering the
// remote answer back via SetRemoteDescription and remote candidates via
// AddICECandidate once they arrive over the application's own signaling
// channel.
func (w *WebRTCConnection) Connect() error {
	w.mu.Lock()
	if w.state != StateDisconnected {
		w.mu.Unlock()
		return NewError(ErrInvalidParameter, "already connected or connecting")
	}
	w.state = StateConnecting
	w.mu.Unlock()
	w.DeliverState(StateConnecting)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: w.iceServers()})
	if err != nil {
		w.setState(StateFailed)
		return WrapError(ErrNetworkError, err, "failed to create peer connection")
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || w.signaling.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		w.signaling.OnLocalCandidate(init.Candidate, mid)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			w.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			w.setState(StateFailed)
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			w.setState(StateDisconnected)
		}
	})

	w.mu.Lock()
	w.pc = pc
	w.mu.Unlock()

	if w.polite {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			w.wireDataChannel(dc)
		})
		return nil
	}

	dc, err := pc.CreateDataChannel(w.label, nil)
	if err != nil {
		w.setState(StateFailed)
		return WrapError(ErrNetworkError, err, "failed to create data channel %q", w.label)
	}
	w.wireDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		w.setState(StateFailed)
		return WrapError(ErrNetworkError, err, "failed to create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		w.setState(StateFailed)
		return WrapError(ErrNetworkError, err, "failed to set local description")
	}
	if w.signaling.OnLocalDescription != nil {
		w.signaling.OnLocalDescription("offer", offer.SDP)
	}

	return nil
}

func (w *WebRTCConnection) wireDataChannel(dc *webrtc.DataChannel) {
	w.mu.Lock()
	w.dc = dc
	w.mu.Unlock()

	dc.OnOpen(func() {
		w.touchConnected()
		w.setState(StateConnected)
	})
	dc.OnClose(func() {
		w.setState(StateDisconnected)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.DeliverMessage(msg.Data)
	})
}

func (w *WebRTCConnection) touchConnected() {
	w.statsMu.Lock()
	now := time.Now()
	if w.stats.FirstConnectedAt.IsZero() {
		w.stats.FirstConnectedAt = now
	}
	w.stats.LastActivityAt = now
	w.statsMu.Unlock()
}

// SetRemoteDescription applies the remote peer's SDP, answering with a
// local description if this side is the polite (answering) peer.
func (w *WebRTCConnection) SetRemoteDescription(sdpType, sdp string) error {
	w.mu.Lock()
	pc := w.pc
	w.mu.Unlock()
	if pc == nil {
		return NewError(ErrInvalidParameter, "connect() has not been called")
	}

	var typ webrtc.SDPType
	switch sdpType {
	case "offer":
		typ = webrtc.SDPTypeOffer
	case "answer":
		typ = webrtc.SDPTypeAnswer
	default:
		return NewError(ErrInvalidParameter, "unrecognized sdp type %q", sdpType)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return WrapError(ErrNetworkError, err, "failed to set remote description")
	}

	if typ == webrtc.SDPTypeOffer {
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return WrapError(ErrNetworkError, err, "failed to create answer")
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return WrapError(ErrNetworkError, err, "failed to set local description")
		}
		if w.signaling.OnLocalDescription != nil {
			w.signaling.OnLocalDescription("answer", answer.SDP)
		}
	}
	return nil
}

// AddICECandidate applies a trickled remote ICE candidate.
func (w *WebRTCConnection) AddICECandidate(candidate, mid string) error {
	w.mu.Lock()
	pc := w.pc
	w.mu.Unlock()
	if pc == nil {
		return NewError(ErrInvalidParameter, "connect() has not been called")
	}
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}
	if err := pc.AddICECandidate(init); err != nil {
		return WrapError(ErrNetworkError, err, "failed to add ICE candidate")
	}
	return nil
}

// Disconnect closes the data channel and peer connection.
func (w *WebRTCConnection) Disconnect() error {
	w.mu.Lock()
	if w.state == StateDisconnected {
		w.mu.Unlock()
		return nil
	}
	w.state = StateDisconnecting
	dc, pc := w.dc, w.pc
	w.mu.Unlock()
	w.DeliverState(StateDisconnecting)

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	w.ShutdownCallbacks()

	w.mu.Lock()
	w.state = StateDisconnected
	w.mu.Unlock()
	return nil
}

// IsConnected reports whether the data channel is open.
func (w *WebRTCConnection) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateConnected
}

// GetState returns the current lifecycle state.
func (w *WebRTCConnection) GetState() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// GetType reports ConnectionRemote: WebRTC is this module's only remote backend.
func (w *WebRTCConnection) GetType() ConnectionType { return ConnectionRemote }

// GetStats returns a snapshot of cumulative statistics.
func (w *WebRTCConnection) GetStats() ConnectionStats { return w.Stats() }

// Send writes data on the reliable, ordered data channel.
func (w *WebRTCConnection) Send(data []byte) error {
	return w.sendVia(data)
}

// SendUnreliable is identical to Send for this backend: a separate
// unreliable-mode data channel is not wired up (it would require a second
// RTCDataChannel negotiated alongside the reliable one).
func (w *WebRTCConnection) SendUnreliable(data []byte) error {
	return w.sendVia(data)
}

// TrySend attempts a send without blocking; pion's DataChannel.Send
// already does not block on the Go side (it queues internally), so this
// is equivalent to Send unless the channel's buffered-amount threshold
// indicates backpressure.
func (w *WebRTCConnection) TrySend(data []byte) error {
	w.mu.Lock()
	dc := w.dc
	state := w.state
	w.mu.Unlock()

	if state != StateConnected || dc == nil {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if dc.BufferedAmount() > uint64(w.maxMessage)*4 {
		return NewError(ErrWouldBlock, "data channel send buffer above threshold")
	}
	return w.sendVia(data)
}

func (w *WebRTCConnection) sendVia(data []byte) error {
	if len(data) > w.maxMessage {
		return NewError(ErrInvalidParameter, "message too large: %d bytes", len(data))
	}

	w.mu.Lock()
	dc := w.dc
	state := w.state
	w.mu.Unlock()

	if state != StateConnected || dc == nil {
		return NewError(ErrConnectionClosed, "not connected")
	}

	if err := dc.Send(data); err != nil {
		logrus.WithError(err).Warn("webrtc data channel send failed")
		return WrapError(ErrNetworkError, err, "data channel send failed")
	}
	w.recordSent(len(data))
	return nil
}

var _ NetworkConnection = (*WebRTCConnection)(nil)
