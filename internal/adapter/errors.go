package adapter

import "errors"

// Sentinel errors shared by the venue adapters. All of these are handled
// inside Run by restarting the snapshot/delta handshake; only a cancelled
// context ends the adapter.
var (
	// ErrSequenceGap reports a hole in a venue's delta sequence.
	ErrSequenceGap = errors.New("adapter: sequence gap")

	// ErrBadFrames reports too many undecodable frames in a row.
	ErrBadFrames = errors.New("adapter: deserialization threshold exceeded")

	// ErrStreamClosed reports the venue closed the stream.
	ErrStreamClosed = errors.New("adapter: stream closed")
)

// DeserializationThreshold is how many undecodable frames a handler tolerates
// before it forces a resync.
const DeserializationThreshold = 8
