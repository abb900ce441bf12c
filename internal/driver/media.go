package driver

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Media acquisition failure classes. Both are surfaced to the user with a
// retry path; the session cannot proceed until acquisition succeeds.
var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Stream is a handle on acquired local media: zero or more tracks plus a stop
// function releasing the underlying devices.
type Stream struct {
	Tracks []webrtc.TrackLocal
	stop   func() error
}

func NewStream(tracks []webrtc.TrackLocal, stop func() error) *Stream {
	return &Stream{Tracks: tracks, stop: stop}
}

// Stop releases the capture devices. Safe on a stream with no stop function.
func (s *Stream) Stop() error {
	if s == nil || s.stop == nil {
		return nil
	}
	return s.stop()
}

// MediaSource is the media capture capability. Implementations sit outside
// the call core; the driver only needs acquisition and release.
type MediaSource interface {
	Acquire(video, audio bool) (*Stream, error)
}

// NoMedia is a MediaSource that produces an empty stream. It lets a client
// complete signaling and negotiation without any capture devices, which is
// what the diagnostic CLI uses against a live deployment.
type NoMedia struct{}

func (NoMedia) Acquire(video, audio bool) (*Stream, error) {
	return &Stream{}, nil
}
