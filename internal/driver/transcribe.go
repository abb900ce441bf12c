package driver

import "context"

// Caption is one incremental transcription result for the local audio track.
type Caption struct {
	Text  string
	Final bool
}

// Transcriber emits live captions from a media stream. Captions are consumed
// locally for display only and never cross the signaling channel. The call
// core treats this capability as optional; a nil Transcriber disables it.
type Transcriber interface {
	Transcribe(ctx context.Context, s *Stream) (<-chan Caption, error)
}
