package wire

import "github.com/pkg/errors"

// Fatal session errors, per the taxonomy of spec.md §7. Malformed,
// Oversized and Eof are all fatal to the session carrying them; callers
// recover the sentinel with errors.Cause/errors.Is.
var (
	// ErrMalformed: a frame's length or header varint could not be decoded,
	// or a read failed with an error other than end of stream. A stream that
	// ends partway through a frame is reported as ErrEOF instead.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrOversized: a frame's declared length exceeds the configured
	// ceiling (default 16 MiB, spec.md §4.1).
	ErrOversized = errors.New("wire: frame exceeds size ceiling")

	// ErrEOF: the underlying stream closed.
	ErrEOF = errors.New("wire: stream closed")
)
