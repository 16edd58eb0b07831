package smatcp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"time"
)

// maxFrameLen bounds a single response line. SMA frames are 20 bytes plus
// terminator; the headroom tolerates identity replies and vendor extensions.
const maxFrameLen = 128

// lineReader reads individual CR LF terminated frames from a net.Conn.
//
// The connection is allowed to idle indefinitely between frames — missing
// responses are handled by the command timeout, not a read deadline. A line
// exceeding maxFrameLen means the stream is corrupt and is reported as an
// error so the connection gets recycled.
//
// lineReader is NOT goroutine-safe. The caller must ensure that only one
// ReadFrame call is active at a time, consistent with the single-receiver
// design of a scale connection.
type lineReader struct{}

// ReadFrame reads one line from br and returns it with its terminator
// stripped. br must wrap conn with a buffer no larger than maxFrameLen
// headroom; an overlong line surfaces as bufio.ErrBufferFull.
func (lr *lineReader) ReadFrame(conn net.Conn, br *bufio.Reader) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}

	raw, err := br.ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	// ReadSlice returns a view into the reader's buffer; copy before the
	// next read overwrites it.
	line := make([]byte, len(raw))
	copy(line, raw)

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	return line, nil
}

// newFrameReader wraps conn for frame reading with a buffer sized to the
// frame bound.
func newFrameReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, maxFrameLen)
}
