package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

// FileSource plays Opus from an .ogg file and VP8 from an .ivf file, looping
// both. It stands in for capture devices on headless participants.
type FileSource struct {
	AudioPath string
	VideoPath string
}

var _ core.MediaSource = FileSource{}

func (f FileSource) Acquire(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	var tracks []*localTrack
	closeAll := func() {
		for _, t := range tracks {
			_ = t.src.Close()
		}
	}

	if c.Audio {
		src, err := openOgg(f.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("%w: audio %q: %v", domain.ErrMediaAccess, f.AudioPath, err)
		}
		t, err := newLocalTrack(webrtc.MimeTypeOpus, "audio", id, src)
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAccess, err)
		}
		tracks = append(tracks, t)
	}

	if c.Video {
		src, err := openIVF(f.VideoPath)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("path", f.VideoPath).Msg("video unavailable, continuing audio-only")
		} else {
			t, err := newLocalTrack(webrtc.MimeTypeVP8, "video", id, src)
			if err != nil {
				_ = src.Close()
				closeAll()
				return nil, fmt.Errorf("%w: %v", domain.ErrMediaAccess, err)
			}
			tracks = append(tracks, t)
		}
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable media", domain.ErrMediaAccess)
	}
	log.Info().Str("module", "media").Str("stream", id).Int("tracks", len(tracks)).Msg("file stream acquired")
	return newLocalStream(id, tracks), nil
}

type oggSampler struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
	produced    int
}

func openOgg(path string) (*oggSampler, error) {
	s := &oggSampler{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSampler) open() error {
	if s.path == "" {
		return errors.New("no file configured")
	}
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return err
	}
	s.file, s.reader, s.lastGranule, s.produced = file, reader, 0, 0
	return nil
}

func (s *oggSampler) Next() (media.Sample, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if s.produced == 0 {
				return media.Sample{}, io.ErrUnexpectedEOF
			}
			_ = s.file.Close()
			if err := s.open(); err != nil {
				return media.Sample{}, err
			}
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		s.produced++
		return media.Sample{Data: page, Duration: time.Duration(samples) * time.Second / 48000}, nil
	}
}

func (s *oggSampler) Close() error { return s.file.Close() }

type ivfSampler struct {
	path     string
	file     *os.File
	reader   *ivfreader.IVFReader
	frame    time.Duration
	produced int
}

func openIVF(path string) (*ivfSampler, error) {
	s := &ivfSampler{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSampler) open() error {
	if s.path == "" {
		return errors.New("no file configured")
	}
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return err
	}
	s.frame = defaultFrame
	if header.TimebaseDenominator != 0 {
		s.frame = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	s.file, s.reader, s.produced = file, reader, 0
	return nil
}

func (s *ivfSampler) Next() (media.Sample, error) {
	for {
		frame, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if s.produced == 0 {
				return media.Sample{}, io.ErrUnexpectedEOF
			}
			_ = s.file.Close()
			if err := s.open(); err != nil {
				return media.Sample{}, err
			}
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		s.produced++
		return media.Sample{Data: frame, Duration: s.frame}, nil
	}
}

func (s *ivfSampler) Close() error { return s.file.Close() }
