package smatcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/weighlab/go-sma/sma"
)

// Scale is the high-level session to one SMA scale over TCP.
//
// It wraps a Connection and exposes the scale's operations as blocking,
// context-aware calls. A Scale is safe for concurrent use, but the protocol
// itself is half-duplex: while one command is in flight, further calls fail
// with sma.ErrBusy rather than queue.
type Scale struct {
	conn *Connection

	// lastUnits carries the unit symbol of the most recent stable reading.
	// An in-motion scale omits the units from its weight frame; Get fills
	// them back in so callers always see a usable reading.
	unitsMu   sync.Mutex
	lastUnits string
}

// NewScale creates a scale session with the given context and configuration.
func NewScale(ctx context.Context, cfg *ConnectionConfig) (*Scale, error) {
	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Scale{conn: conn}, nil
}

// Open establishes the connection to the scale.
// It blocks until connected or until the configured connect attempts are
// exhausted, in which case it fails with sma.ErrConnectFailed.
func (s *Scale) Open(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// Close closes the session. It is idempotent.
func (s *Scale) Close() error {
	return s.conn.Close()
}

// State returns the current connection state.
func (s *Scale) State() sma.ConnState {
	return s.conn.State()
}

// Metrics returns the session's connection metrics.
func (s *Scale) Metrics() *ConnectionMetrics {
	return s.conn.GetMetrics()
}

// AddConnStateChangeHandler registers handlers invoked on connection state changes.
func (s *Scale) AddConnStateChangeHandler(handlers ...sma.ConnStateChangeHandler) {
	s.conn.AddConnStateChangeHandler(handlers...)
}

// Get reads the current weight from the scale.
//
// An unstable reading arrives without units; Get substitutes the units of
// the last stable reading seen in this session so the value remains usable,
// with Stable reporting false. A scale reporting an off or fault status
// yields a *sma.StatusError.
func (s *Scale) Get(ctx context.Context) (sma.WeightReading, error) {
	frame, err := s.conn.sendCommand(ctx, sma.CmdReadWeight)
	if err != nil {
		return sma.WeightReading{}, err
	}

	wf, ok := frame.(*sma.WeightFrame)
	if !ok {
		return sma.WeightReading{}, fmt.Errorf("%w: want weight frame, got %T", sma.ErrUnexpectedFrame, frame)
	}

	reading := wf.Reading

	s.unitsMu.Lock()
	if reading.Stable {
		s.lastUnits = reading.Units
	} else if reading.Units == "" {
		reading.Units = s.lastUnits
	}
	s.unitsMu.Unlock()

	return reading, nil
}

// Zero zeroes (tares) the scale.
// The scale acknowledges with a weight frame near zero; Zero only cares that
// the command was accepted and discards the reading.
func (s *Scale) Zero(ctx context.Context) error {
	_, err := s.conn.sendCommand(ctx, sma.CmdZero)

	return err
}

// GetInfo reads the device identity from the scale.
// It performs three sequential exchanges, one per identity field.
func (s *Scale) GetInfo(ctx context.Context) (sma.DeviceInfo, error) {
	var info sma.DeviceInfo

	fields := []struct {
		cmd  sma.Command
		dest *string
	}{
		{sma.CmdReadModel, &info.Model},
		{sma.CmdReadSerial, &info.Serial},
		{sma.CmdReadSoftware, &info.Software},
	}

	for _, f := range fields {
		frame, err := s.conn.sendCommand(ctx, f.cmd)
		if err != nil {
			return sma.DeviceInfo{}, err
		}

		inf, ok := frame.(*sma.InfoFrame)
		if !ok {
			return sma.DeviceInfo{}, fmt.Errorf("%w: want info frame, got %T", sma.ErrUnexpectedFrame, frame)
		}

		*f.dest = inf.Text
	}

	return info, nil
}

// WithScale opens a scale session, runs fn with it, and closes the session
// regardless of fn's outcome. The session error takes precedence over a
// close error.
func WithScale(ctx context.Context, cfg *ConnectionConfig, fn func(*Scale) error) error {
	s, err := NewScale(ctx, cfg)
	if err != nil {
		return err
	}

	if err := s.Open(ctx); err != nil {
		return err
	}

	fnErr := fn(s)

	if err := s.Close(); err != nil && fnErr == nil {
		return err
	}

	return fnErr
}
