package pion

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type trackSource interface {
	Tracks() []webrtc.TrackLocal
}

// LocalStream is an audio + video pair of sample tracks the host writes media into
type LocalStream struct {
	id     string
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	once   sync.Once
	closed chan struct{}
}

// NewLocalStream creates an Opus audio track and a VP8 video track under one stream id
func NewLocalStream(id string) (*LocalStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, err
	}
	return &LocalStream{id: id, audio: audio, video: video, closed: make(chan struct{})}, nil
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

// Audio is the track to write Opus samples into
func (s *LocalStream) Audio() *webrtc.TrackLocalStaticSample { return s.audio }

// Video is the track to write VP8 samples into
func (s *LocalStream) Video() *webrtc.TrackLocalStaticSample { return s.video }

// Stop signals writers to stop feeding the tracks
func (s *LocalStream) Stop() {
	s.once.Do(func() { close(s.closed) })
}

// Stopped is closed once Stop has been called
func (s *LocalStream) Stopped() <-chan struct{} { return s.closed }

// RemoteStream is one track received from the other peer
type RemoteStream struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (s *RemoteStream) ID() string { return s.track.StreamID() }

// Track exposes the underlying remote track for reading RTP
func (s *RemoteStream) Track() *webrtc.TrackRemote { return s.track }

func (s *RemoteStream) Stop() {
	if s.receiver != nil {
		_ = s.receiver.Stop()
	}
}
