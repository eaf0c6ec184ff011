// Package framing implements the newline-delimited message framing
// shared by the TCP and IPC (unix-domain-socket) transports: one
// complete JSON-RPC payload per line.
package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the maximum number of bytes a single frame may
// occupy before the connection is considered abusive and closed.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned by Scanner.Next when a line exceeds the
// scanner's maximum frame size before a newline is found. The caller
// must terminate the connection on this error.
var ErrFrameTooLarge = fmt.Errorf("framing: frame exceeds maximum size of %d bytes", DefaultMaxFrameSize)

// Scanner reads newline-delimited frames off r, one JSON-RPC payload
// per line. It wraps bufio.Scanner with a bounded buffer so a peer
// cannot exhaust memory by withholding a newline forever.
type Scanner struct {
	sc          *bufio.Scanner
	maxFrame    int
	oversizeHit bool
}

// NewScanner builds a Scanner reading from r with the default 64 KiB
// maximum frame size.
func NewScanner(r io.Reader) *Scanner {
	return NewScannerSize(r, DefaultMaxFrameSize)
}

// NewScannerSize builds a Scanner with a caller-chosen maximum frame
// size.
func NewScannerSize(r io.Reader, maxFrame int) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrame)
	return &Scanner{sc: sc, maxFrame: maxFrame}
}

// Next returns the next frame's bytes, with its trailing newline
// stripped, or io.EOF when the stream ends cleanly between frames. An
// oversize frame terminates the stream: Next returns ErrFrameTooLarge
// and every subsequent call also returns it.
func (s *Scanner) Next() ([]byte, error) {
	if s.oversizeHit {
		return nil, ErrFrameTooLarge
	}
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			if isTooLong(err) {
				s.oversizeHit = true
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := s.sc.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

func isTooLong(err error) bool {
	return err == bufio.ErrTooLong
}

// Frame appends a trailing newline to payload, the wire shape expected
// by Scanner on the other end of the connection.
func Frame(payload []byte) []byte {
	if bytes.HasSuffix(payload, []byte{'\n'}) {
		return payload
	}
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, payload...)
	framed = append(framed, '\n')
	return framed
}
