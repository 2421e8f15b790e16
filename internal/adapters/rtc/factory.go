package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Factory builds PeerConnections sharing one configured pion API.
type Factory struct {
	api       *webrtc.API
	config    webrtc.Configuration
	muteAfter time.Duration
}

var _ core.ResourceFactory = (*Factory)(nil)

// DefaultWebRTCConfig returns a config with a public STUN server.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}

func NewFactory(cfg config.ICE, muteAfter time.Duration) (*Factory, error) {
	mode, err := parseMDNSMode(cfg.MDNSMode)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	se.SetICEMulticastDNSMode(mode)
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepaliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepaliveInterval)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	wc := DefaultWebRTCConfig()
	if len(cfg.Servers) > 0 {
		wc.ICEServers = []webrtc.ICEServer{{URLs: cfg.Servers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
		),
		config:    wc,
		muteAfter: muteAfter,
	}, nil
}

func (f *Factory) NewResource() (core.Resource, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, f.muteAfter), nil
}

func parseMDNSMode(s string) (ice.MulticastDNSMode, error) {
	switch s {
	case "", "disabled":
		return ice.MulticastDNSModeDisabled, nil
	case "query":
		return ice.MulticastDNSModeQueryOnly, nil
	case "gather":
		return ice.MulticastDNSModeQueryAndGather, nil
	}
	return 0, fmt.Errorf("unknown ice.mdns_mode %q", s)
}
