package smatcp

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/weighlab/go-sma/logger"
	"github.com/weighlab/go-sma/sma"
)

// response is the outcome delivered to the goroutine awaiting a command.
type response struct {
	frame sma.Frame
	err   error
}

// pendingRequest is the single in-flight command awaiting its response.
type pendingRequest struct {
	cmd      sma.Command
	issuedAt time.Time
	done     chan response // buffered, completed exactly once
}

// correlator pairs each outgoing command with its matching incoming line.
//
// The SMA protocol is half-duplex request/response: the scale answers one
// command at a time and does not multiplex, so at most one pendingRequest
// exists. begin rejects a second submission with sma.ErrBusy instead of
// queueing it.
//
// Lines that arrive while no command is pending are unsolicited; scales may
// stream live weight updates unprompted, so such lines are counted and
// dropped, never treated as an error.
type correlator struct {
	mu      sync.Mutex
	pending *pendingRequest
	logger  logger.Logger
	metrics *ConnectionMetrics
}

func newCorrelator(l logger.Logger, metrics *ConnectionMetrics) *correlator {
	return &correlator{
		logger:  l,
		metrics: metrics,
	}
}

// begin records a new pendingRequest for cmd.
// It fails with sma.ErrBusy while another request is pending.
func (c *correlator) begin(cmd sma.Command) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return nil, fmt.Errorf("%w: %s still pending", sma.ErrBusy, c.pending.cmd)
	}

	pr := &pendingRequest{
		cmd:      cmd,
		issuedAt: time.Now(),
		done:     make(chan response, 1),
	}
	c.pending = pr

	return pr, nil
}

// resolve completes pr with the given outcome if it is still the pending
// request. It reports whether this call performed the completion; a false
// return means a competing completion won the race and pr.done already
// carries the earlier outcome.
func (c *correlator) resolve(pr *pendingRequest, frame sma.Frame, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != pr {
		return false
	}

	c.pending = nil
	pr.done <- response{frame: frame, err: err}

	return true
}

// abortPending completes any pending request with err.
// It is invoked on connection loss and on explicit close, and reports whether
// a request was aborted.
func (c *correlator) abortPending(err error) bool {
	c.mu.Lock()
	pr := c.pending
	c.mu.Unlock()

	if pr == nil {
		return false
	}

	if !c.resolve(pr, nil, err) {
		return false
	}

	c.logger.Debug("pending command aborted", "cmd", pr.cmd, "elapsed", time.Since(pr.issuedAt), "error", err)

	return true
}

// onLine feeds one received line (terminator stripped) into the correlator.
//
// With a request pending, the line is decoded according to the command's
// expected response kind and completes the request; decode failures complete
// it with the decode error. Without one, the line is unsolicited and dropped.
func (c *correlator) onLine(line []byte) {
	c.mu.Lock()
	pr := c.pending
	c.mu.Unlock()

	if pr == nil {
		c.dropUnsolicited(line)
		return
	}

	frame, err := decodeFor(pr.cmd, line)
	if err != nil {
		c.metrics.incDecodeErrCount()
	}

	if !c.resolve(pr, frame, err) {
		// completed by a timeout or abort while decoding; the line is now
		// unsolicited from the caller's point of view
		c.dropUnsolicited(line)
	}
}

// dropUnsolicited counts and debug-logs a line received while idle.
func (c *correlator) dropUnsolicited(line []byte) {
	c.metrics.incUnsolicitedDropCount()

	if c.logger.Level() != logger.DebugLevel {
		return
	}

	frame, err := sma.Decode(line)
	if err != nil {
		c.logger.Debug("unsolicited frame dropped", "error", err)
		return
	}

	c.logger.Debug("unsolicited frame dropped", "kind", frame.Kind(), "line", strings.TrimSpace(string(line)))
}

// decodeFor decodes line according to the response kind cmd elicits.
func decodeFor(cmd sma.Command, line []byte) (sma.Frame, error) {
	switch cmd.ResponseKind() {
	case sma.KindWeight:
		reading, err := sma.DecodeWeight(line)
		if err != nil {
			return nil, err
		}

		return &sma.WeightFrame{Reading: reading}, nil

	case sma.KindInfo:
		text, err := sma.DecodeInfo(line)
		if err != nil {
			return nil, err
		}

		return &sma.InfoFrame{Text: text}, nil

	case sma.KindAck:
		// the reply line only acknowledges the command; its content is ignored
		return nil, nil

	default:
		return nil, sma.ErrUnexpectedFrame
	}
}
