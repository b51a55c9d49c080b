// Command client joins a tutoring session as the tutor (initiator) or a
// student (joiner) and streams file-backed or generated media.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Lesson/internal/adapters/backend"
	"github.com/dkeye/Lesson/internal/adapters/media"
	"github.com/dkeye/Lesson/internal/adapters/rtc"
	sig "github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/config"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/dkeye/Lesson/internal/lifecycle"
	"github.com/dkeye/Lesson/internal/peer"
)

type options struct {
	server      string
	participant string
	token       string
	name        string
	role        string
	session     string
	create      bool
	grant       string
	audioFile   string
	videoFile   string
	noVideo     bool
}

func parseFlags(cfg *config.Config) options {
	var o options
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	fs.StringVar(&o.server, "server", cfg.Backend.URL, "relay base URL")
	fs.StringVarP(&o.participant, "participant", "p", "", "participant identity to assert; needs --token (the relay cookie identity when empty)")
	fs.StringVar(&o.token, "token", "", "relay service token")
	fs.StringVar(&o.name, "name", "", "display name")
	fs.StringVarP(&o.role, "role", "r", string(domain.RoleJoiner), "initiator or joiner")
	fs.StringVarP(&o.session, "session", "s", "", "session to join")
	fs.BoolVar(&o.create, "create", false, "create a new session (initiator only)")
	fs.StringVar(&o.grant, "grant", "", "participant to admit after --create")
	fs.StringVar(&o.audioFile, "audio", cfg.Media.AudioFile, "Opus .ogg file to stream")
	fs.StringVar(&o.videoFile, "video", cfg.Media.VideoFile, "VP8 .ivf file to stream")
	fs.BoolVar(&o.noVideo, "no-video", false, "send audio only")
	fs.DurationVar(&cfg.Session.NegotiationTimeout, "negotiation-timeout", cfg.Session.NegotiationTimeout, "negotiation deadline")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	_ = fs.Parse(os.Args[1:])
	return o
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	opts := parseFlags(cfg)
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg, opts, lvl); err != nil {
		log.Error().Err(err).Msg("session failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, lvl zerolog.Level) error {
	role := domain.Role(opts.role)
	participant := domain.ParticipantID(opts.participant)

	if participant != "" && opts.token == "" {
		return errors.New("--participant requires --token")
	}
	api, err := backend.NewClient(opts.server, participant, cfg.Backend.Timeout)
	if err != nil {
		return err
	}
	if opts.token != "" {
		api.WithServiceToken(opts.token)
	}
	if participant == "" {
		if participant, err = api.Identity(ctx); err != nil {
			return fmt.Errorf("fetch identity: %w", err)
		}
	}
	fmt.Printf("participant: %s\n", participant)
	signalURL, err := signalEndpoint(opts.server)
	if err != nil {
		return err
	}
	channel, err := sig.Dial(ctx, sig.ClientConfig{
		URL:               signalURL,
		Participant:       participant,
		ServiceToken:      opts.token,
		Jar:               api.Jar(),
		DisplayName:       opts.name,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectBackoff:  cfg.Session.ReconnectBackoff,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	webrtcAPI, err := rtc.NewAPI(rtc.APIOptions{LogLevel: lvl})
	if err != nil {
		return err
	}

	var src core.MediaSource = media.SilentSource{NoVideo: opts.noVideo}
	if opts.audioFile != "" {
		src = media.FileSource{AudioPath: opts.audioFile, VideoPath: opts.videoFile}
	}
	sink := media.NewStatsSink(func(t core.RemoteTrack) {
		log.Info().Str("module", "client").Str("kind", t.Kind().String()).Str("track", t.ID()).Msg("first remote frame")
	})

	ctl, err := lifecycle.New(lifecycle.Config{
		Participant:        participant,
		Role:               role,
		Gate:               api,
		Directory:          api,
		Channel:            channel,
		Media:              src,
		Constraints:        core.Constraints{Audio: true, Video: !opts.noVideo},
		NewPeer:            rtc.Factory(webrtcAPI, rtc.Configuration(cfg.WebRTC.ICEServers), string(participant)),
		Sink:               sink,
		NegotiationTimeout: cfg.Session.NegotiationTimeout,
	})
	if err != nil {
		return err
	}

	sessionID := domain.SessionID(opts.session)
	if opts.create {
		if sessionID, err = ctl.Create(ctx); err != nil {
			return err
		}
		fmt.Printf("session: %s\n", sessionID)
		if opts.grant != "" {
			if err := api.Grant(ctx, sessionID, domain.ParticipantID(opts.grant), ""); err != nil {
				return err
			}
		}
	}
	if sessionID == "" {
		return errors.New("--session or --create is required")
	}

	info, err := ctl.Start(ctx, sessionID)
	if err != nil {
		return err
	}
	log.Info().Str("module", "client").Str("session", string(info.ID)).Str("counterpart", info.CounterpartName).
		Str("role", string(role)).Msg("started; keys: m=mute c=camera s=status q=leave e=end")
	ctl.Manager().OnStatus(func(st peer.Status) {
		log.Info().Str("module", "client").Str("state", st.Phase.String()).AnErr("reason", st.Reason).
			Bool("audio", st.AudioEnabled).Bool("video", st.VideoEnabled).Bool("signaling_lost", st.SignalingLost).
			Msg("status")
	})

	commands := make(chan string)
	go readCommands(commands)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctl.Done():
				return nil
			case <-gctx.Done():
				return leave(ctl)
			case cmd := <-commands:
				mgr := ctl.Manager()
				switch cmd {
				case "m":
					mgr.ToggleMute()
				case "c":
					mgr.ToggleCamera()
				case "s":
					st := mgr.Status()
					log.Info().Str("module", "client").Str("state", st.Phase.String()).
						Int("audio_packets", sink.Packets(webrtc.RTPCodecTypeAudio)).Int("video_packets", sink.Packets(webrtc.RTPCodecTypeVideo)).
						Msg("stats")
				case "q":
					return leave(ctl)
				case "e":
					endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					err := ctl.End(endCtx)
					cancel()
					return err
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	reason := ctl.Manager().Status().Reason
	log.Info().Str("module", "client").AnErr("reason", reason).Msg("session over")
	if errors.Is(reason, domain.ErrHangUp) || errors.Is(reason, domain.ErrSessionEnded) || errors.Is(reason, domain.ErrPeerLeft) {
		return nil
	}
	return reason
}

func leave(ctl *lifecycle.Controller) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ctl.Leave(ctx)
}

func readCommands(out chan<- string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

// signalEndpoint turns the relay base URL into its WebSocket endpoint.
func signalEndpoint(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	return u.String(), nil
}
