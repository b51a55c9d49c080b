package media

import (
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StatsSink stands in for rendering: it counts remote packets per kind and
// remembers when the first one arrived.
type StatsSink struct {
	mu      sync.Mutex
	packets map[webrtc.RTPCodecType]int
	tracks  int
	first   time.Time
	onFirst func(core.RemoteTrack)
}

var _ core.MediaSink = (*StatsSink)(nil)

// NewStatsSink calls onFirst (may be nil) once, for the first packet received.
func NewStatsSink(onFirst func(core.RemoteTrack)) *StatsSink {
	return &StatsSink{packets: make(map[webrtc.RTPCodecType]int), onFirst: onFirst}
}

func (s *StatsSink) OnRemoteTrack(track core.RemoteTrack) {
	s.mu.Lock()
	s.tracks++
	s.mu.Unlock()
	log.Info().Str("module", "media.sink").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("rendering remote track")
}

func (s *StatsSink) OnPacket(track core.RemoteTrack, _ *rtp.Packet) {
	s.mu.Lock()
	s.packets[track.Kind()]++
	first := s.first.IsZero()
	if first {
		s.first = time.Now()
	}
	s.mu.Unlock()
	if first && s.onFirst != nil {
		s.onFirst(track)
	}
}

func (s *StatsSink) Packets(kind webrtc.RTPCodecType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[kind]
}

func (s *StatsSink) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

func (s *StatsSink) FirstPacketAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Drain hands every packet of track to sink until the track fails, which
// happens when its peer connection closes.
func Drain(track core.RemoteTrack, sink core.MediaSink) {
	sink.OnRemoteTrack(track)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		sink.OnPacket(track, pkt)
	}
}
