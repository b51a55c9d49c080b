package testutil

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Lesson/internal/core"
)

var ErrNoRemoteDescription = errors.New("fake: remote description not set")

// Network pairs FakePeers by the label embedded in their descriptions.
// Once a peer holds both descriptions it receives one remote track per kind
// its counterpart is sending.
type Network struct {
	// Candidates is the number of local candidates each peer gathers.
	Candidates int
	// DropMedia suppresses remote tracks, leaving negotiation unfinished.
	DropMedia bool

	mu    sync.Mutex
	peers map[string]*FakePeer
}

func NewNetwork() *Network {
	return &Network{Candidates: 3, peers: make(map[string]*FakePeer)}
}

func (n *Network) Factory(label string) core.PeerFactory {
	return func() (core.PeerConnection, error) {
		p := &FakePeer{net: n, label: label, closed: make(chan struct{})}
		n.mu.Lock()
		n.peers[label] = p
		n.mu.Unlock()
		return p, nil
	}
}

// Peer returns the latest peer created under label.
func (n *Network) Peer(label string) *FakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[label]
}

type FakePeer struct {
	net   *Network
	label string

	mu        sync.Mutex
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	stream    core.LocalStream
	counter   *FakePeer
	applied   []webrtc.ICECandidateInit
	early     int
	delivered bool
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(core.RemoteTrack)
	onState   func(webrtc.PeerConnectionState)

	closeOnce sync.Once
	closed    chan struct{}
}

var _ core.PeerConnection = (*FakePeer)(nil)

func (p *FakePeer) AddLocalStream(s core.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = s
	return nil
}

func (p *FakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake " + p.label}
	p.mu.Lock()
	p.local = &offer
	p.mu.Unlock()
	p.gather()
	return offer, nil
}

func (p *FakePeer) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("fake: expected offer, got %s", offer.Type)
	}
	counter := p.net.Peer(strings.TrimPrefix(offer.SDP, "fake "))
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake " + p.label}
	p.mu.Lock()
	p.remote, p.local, p.counter = &offer, &answer, counter
	p.mu.Unlock()
	if counter != nil {
		counter.mu.Lock()
		counter.counter = p
		counter.mu.Unlock()
	}
	p.gather()
	p.maybeDeliver()
	return answer, nil
}

func (p *FakePeer) ApplyAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("fake: expected answer, got %s", answer.Type)
	}
	p.mu.Lock()
	p.remote = &answer
	p.mu.Unlock()
	p.maybeDeliver()
	return nil
}

func (p *FakePeer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, ci)
	return nil
}

func (p *FakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *FakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *FakePeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *FakePeer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.onICE, p.onTrack, p.onState = nil, nil, nil
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

// Applied returns the remote candidates accepted so far, in order.
func (p *FakePeer) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

// Early counts candidates applied before a remote description existed.
func (p *FakePeer) Early() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early
}

func (p *FakePeer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Fail reports a failed connection to the owner.
func (p *FakePeer) Fail() {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateFailed)
	}
}

// Candidate builds the candidate string a peer labelled label gathers at i.
func Candidate(label string, i int) webrtc.ICECandidateInit {
	mid := "0"
	var mline uint16
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d %d typ host ufrag %s", i, i+1, 5000+i, label),
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
}

func (p *FakePeer) gather() {
	n := p.net.Candidates
	go func() {
		for i := 0; i < n; i++ {
			p.mu.Lock()
			fn := p.onICE
			p.mu.Unlock()
			if fn == nil {
				return
			}
			fn(Candidate(p.label, i))
		}
	}()
}

func (p *FakePeer) maybeDeliver() {
	p.mu.Lock()
	if p.delivered || p.local == nil || p.remote == nil || p.counter == nil || p.net.DropMedia {
		p.mu.Unlock()
		return
	}
	p.delivered = true
	counter, fn := p.counter, p.onTrack
	p.mu.Unlock()

	counter.mu.Lock()
	stream := counter.stream
	counter.mu.Unlock()
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if stream != nil && stream.HasKind(webrtc.RTPCodecTypeVideo) {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	if fn == nil {
		return
	}
	go func() {
		for _, k := range kinds {
			fn(&FakeTrack{kind: k, id: counter.label + "-" + k.String(), closed: p.closed})
		}
	}()
}

// FakeTrack yields an empty packet every few milliseconds until the receiving
// peer closes.
type FakeTrack struct {
	kind   webrtc.RTPCodecType
	id     string
	closed <-chan struct{}
	seq    uint16
}

func (t *FakeTrack) ID() string                { return t.id }
func (t *FakeTrack) StreamID() string          { return "fake" }
func (t *FakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *FakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-t.closed:
		return nil, nil, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	t.seq++
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: t.seq}}, nil, nil
}
