package rtc

import (
	"fmt"

	"github.com/dkeye/Lesson/internal/config"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type APIOptions struct {
	// Net replaces the host network, e.g. with a vnet for tests.
	Net transport.Net
	// IncludeLoopback gathers 127.0.0.1 candidates.
	IncludeLoopback bool
	LogLevel        zerolog.Level
}

// NewAPI builds a pion API with the default codecs, the default interceptor
// chain (NACK, RTCP reports, TWCC) and pion logging routed to zerolog.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Level: opts.LogLevel}}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration converts configured ICE servers into a pion configuration.
// With none configured, the public Google STUN server is used.
func Configuration(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		}
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}
