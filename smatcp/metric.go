package smatcp

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// CmdSendCount indicates the number of commands submitted.
	CmdSendCount atomic.Uint64
	// FrameRecvCount indicates the number of response lines received.
	FrameRecvCount atomic.Uint64
	// UnsolicitedDropCount indicates the number of unsolicited frames dropped while idle.
	UnsolicitedDropCount atomic.Uint64
	// DecodeErrCount indicates the number of frames that failed to decode.
	DecodeErrCount atomic.Uint64
	// TimeoutCount indicates the number of command timeouts.
	TimeoutCount atomic.Uint64
	// ReconnectCount indicates the number of reconnect cycles entered after a fault.
	ReconnectCount atomic.Uint64

	// ConnRetryGauge indicates the number of connect retries since the last success.
	ConnRetryGauge atomic.Uint32
}

func (m *ConnectionMetrics) incCmdSendCount() {
	m.CmdSendCount.Add(1)
}

func (m *ConnectionMetrics) incFrameRecvCount() {
	m.FrameRecvCount.Add(1)
}

func (m *ConnectionMetrics) incUnsolicitedDropCount() {
	m.UnsolicitedDropCount.Add(1)
}

func (m *ConnectionMetrics) incDecodeErrCount() {
	m.DecodeErrCount.Add(1)
}

func (m *ConnectionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incReconnectCount() {
	m.ReconnectCount.Add(1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
