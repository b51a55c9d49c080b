package media

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentSource generates media without any capture device: Opus silence and
// filler video frames.
type SilentSource struct {
	// NoVideo behaves like a host without a camera.
	NoVideo bool
	// Deny behaves like a refused capture permission.
	Deny bool
}

var _ core.MediaSource = SilentSource{}

func (s SilentSource) Acquire(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Deny {
		return nil, fmt.Errorf("%w: capture denied", domain.ErrMediaAccess)
	}
	id := uuid.NewString()
	var tracks []*localTrack
	if c.Audio {
		t, err := newLocalTrack(webrtc.MimeTypeOpus, "audio", id, &repeatSampler{frame: opusSilence, every: defaultFrame})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAccess, err)
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		if s.NoVideo {
			log.Warn().Str("module", "media").Str("stream", id).Msg("no camera, continuing audio-only")
		} else {
			t, err := newLocalTrack(webrtc.MimeTypeVP8, "video", id, &repeatSampler{frame: make([]byte, 64), every: 33 * time.Millisecond})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMediaAccess, err)
			}
			tracks = append(tracks, t)
		}
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable media", domain.ErrMediaAccess)
	}
	return newLocalStream(id, tracks), nil
}

type repeatSampler struct {
	frame []byte
	every time.Duration
}

func (r *repeatSampler) Next() (media.Sample, error) {
	return media.Sample{Data: r.frame, Duration: r.every}, nil
}

func (r *repeatSampler) Close() error { return nil }
