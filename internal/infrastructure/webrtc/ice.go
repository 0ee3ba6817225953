package webrtc

import (
	"github.com/pion/webrtc/v3"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// BuildConfiguration maps configured ICE servers onto a peer connection
// configuration. A public STUN server is used when none is configured.
func BuildConfiguration(servers []ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{defaultSTUN}}}
	}
	return cfg
}
