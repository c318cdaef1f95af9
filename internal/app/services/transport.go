package services

// StreamTransport is the framed client connection as seen by the pipeline.
// The websocket layer implements it; tests substitute a frame recorder.
type StreamTransport interface {
	SendAudio(seq uint32, payload []byte) error
	SendEos() error
	SendError(code int, message string) error

	// CloseWithCode closes the connection with a transport close code.
	// Closing an already-closed connection is a no-op.
	CloseWithCode(code int, reason string) error

	// Alive reports whether the peer is still connected.
	Alive() bool

	// Done is closed when the peer disconnects.
	Done() <-chan struct{}
}
