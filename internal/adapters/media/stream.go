// Package media provides local media streams for headless participants:
// file-backed Opus/VP8 playback and generated silence, plus a sink that
// accounts for received remote media.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const defaultFrame = 20 * time.Millisecond

// sampler yields encoded frames in presentation order.
type sampler interface {
	Next() (media.Sample, error)
	Close() error
}

type localTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	src     sampler
	enabled atomic.Bool
	stopped atomic.Bool
}

func newLocalTrack(mime, id, streamID string, src sampler) (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &localTrack{kind: track.Kind(), track: track, src: src}
	t.enabled.Store(true)
	return t, nil
}

// LocalStream paces every track's samples onto its pion track until Stop.
type LocalStream struct {
	id     string
	tracks []*localTrack

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ core.LocalStream = (*LocalStream)(nil)

func newLocalStream(id string, tracks []*localTrack) *LocalStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &LocalStream{id: id, tracks: tracks, cancel: cancel}
	for _, t := range tracks {
		s.wg.Add(1)
		go s.pump(ctx, t)
	}
	return s
}

func (s *LocalStream) pump(ctx context.Context, t *localTrack) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		sample, err := t.src.Next()
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("stream", s.id).Str("kind", t.kind.String()).Msg("source exhausted")
			t.stopped.Store(true)
			return
		}
		if t.enabled.Load() {
			if err := t.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Str("module", "media").Str("kind", t.kind.String()).Msg("write sample")
			}
		}
		d := sample.Duration
		if d <= 0 {
			d = defaultFrame
		}
		timer.Reset(d)
	}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track)
	}
	return out
}

func (s *LocalStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.kind == kind {
			return true
		}
	}
	return false
}

// SetEnabled mutes a kind: its pump keeps running but writes nothing.
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			t.enabled.Store(enabled)
		}
	}
}

func (s *LocalStream) Enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.kind == kind && t.enabled.Load() {
			return true
		}
	}
	return false
}

func (s *LocalStream) ActiveTracks() int {
	n := 0
	for _, t := range s.tracks {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// Stop returns once every pump has exited and every source is closed.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, t := range s.tracks {
			if err := t.src.Close(); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("stream", s.id).Msg("close source")
			}
			t.stopped.Store(true)
		}
		log.Info().Str("module", "media").Str("stream", s.id).Msg("stream stopped")
	})
}
