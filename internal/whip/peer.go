package whip

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Track is one outbound media track supplied by the capture pipeline. Tracks
// that also implement webrtc.TrackLocal are attached to the peer connection;
// Close stops the outgoing media on teardown.
type Track interface {
	Kind() string
	Live() bool
	Close() error
}

// MediaSource supplies the outbound tracks for one ingest session. The source
// must carry at least one live track before Connect is called.
type MediaSource interface {
	Tracks() []Track
}

// StaticSource is a MediaSource over a fixed set of tracks.
type StaticSource struct {
	tracks []Track
}

// NewStaticSource builds a source from the provided tracks.
func NewStaticSource(tracks ...Track) *StaticSource {
	return &StaticSource{tracks: tracks}
}

func (s *StaticSource) Tracks() []Track { return s.tracks }

// LocalTrack adapts a pion local track (for example TrackLocalStaticRTP) into
// a session media track.
type LocalTrack struct {
	track webrtc.TrackLocal
}

// NewLocalTrack wraps the provided pion track.
func NewLocalTrack(track webrtc.TrackLocal) *LocalTrack {
	return &LocalTrack{track: track}
}

func (t *LocalTrack) Kind() string { return t.track.Kind().String() }

// Live always reports true: a pion local track is writable for as long as the
// process holds it.
func (t *LocalTrack) Live() bool { return true }

func (t *LocalTrack) Close() error { return nil }

// Unwrap exposes the underlying pion track for peer attachment.
func (t *LocalTrack) Unwrap() webrtc.TrackLocal { return t.track }

// peer abstracts the WebRTC peer connection so the session state machine can
// be exercised without live ICE negotiation. newPionPeer is the production
// implementation; tests inject fakes through the session's peer factory.
type peer interface {
	AddTrack(track Track) error
	// CreateOffer builds and installs the local send-only offer, returning
	// its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// LocalDescription returns the current local SDP, including any
	// candidates gathered since CreateOffer.
	LocalDescription() string
	SetAnswer(sdp string) error
	// OnICECandidate registers the trickle callback. An empty candidate
	// string signals the end of gathering.
	OnICECandidate(fn func(candidate string))
	OnStateChange(fn func(state webrtc.PeerConnectionState))
	GatheringDone() <-chan struct{}
	ICEConnectionState() string
	ICEGatheringState() string
	Close() error
}

// peerFactory builds the transport for one connect attempt.
type peerFactory func() (peer, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func newPionPeer(iceServers []string) (peer, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) AddTrack(track Track) error {
	local, ok := track.(interface{ Unwrap() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("track %q does not wrap a webrtc local track", track.Kind())
	}
	_, err := p.pc.AddTransceiverFromTrack(local.Unwrap(), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	return nil
}

func (p *pionPeer) CreateOffer(context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) LocalDescription() string {
	if desc := p.pc.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}

func (p *pionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) OnICECandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn("")
			return
		}
		fn(candidate.ToJSON().Candidate)
	})
}

func (p *pionPeer) OnStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) GatheringDone() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) ICEConnectionState() string {
	return p.pc.ICEConnectionState().String()
}

func (p *pionPeer) ICEGatheringState() string {
	return p.pc.ICEGatheringState().String()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
