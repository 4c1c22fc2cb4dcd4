// Package pion adapts Pion WebRTC to the media.PeerConnection contract.
package pion

import (
	"context"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Options configures the peer connections a Factory creates
type Options struct {
	ICEServers []webrtc.ICEServer
	// UDPPortMin/UDPPortMax restrict the ephemeral ports used for ICE; zero means any
	UDPPortMin uint16
	UDPPortMax uint16
}

// Factory creates Pion peer connections sharing one API instance
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory registers the default codecs and builds the API
func NewFactory(opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: opts.ICEServers},
	}, nil
}

func (f *Factory) NewPeerConnection() (media.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc}, nil
}

// PeerConnection wraps one *webrtc.PeerConnection
type PeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *PeerConnection) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *PeerConnection) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *PeerConnection) AddICECandidate(ctx context.Context, c models.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AddLocalTracks attaches every track of a stream created by NewLocalStream
func (p *PeerConnection) AddLocalTracks(stream media.Stream) error {
	src, ok := stream.(trackSource)
	if !ok {
		return fmt.Errorf("stream %s carries no pion tracks", stream.ID())
	}

	for _, track := range src.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}

		// Interceptors only run while RTCP is read
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *PeerConnection) OnLocalCandidate(fn func(models.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(models.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PeerConnection) OnRemoteTrack(fn func(media.Stream)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debug().
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("Received remote track")
		fn(&RemoteStream{track: track, receiver: receiver})
	})
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}
