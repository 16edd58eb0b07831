package smatcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weighlab/go-sma/internal/pool"
	"github.com/weighlab/go-sma/logger"
	"github.com/weighlab/go-sma/sma"
)

const retryDelayFactor = 2

// Connection owns the TCP socket to one scale and supervises its lifecycle.
//
// It dials with a bounded connect timeout, runs the sender and receiver
// tasks while connected, and on any read/write error or peer close enters
// the faulted state: the in-flight command fails with sma.ErrConnectionLost
// and a reconnect is scheduled after a capped exponential backoff. Callers
// never observe the reconnect churn; only the command-level errors defined
// by the sma package surface.
//
// No other component performs I/O on the socket.
type Connection struct {
	pctx   context.Context
	cfg    *ConnectionConfig
	logger logger.Logger

	conn      net.Conn
	connMutex sync.Mutex

	stateMgr *sma.ConnStateMgr
	taskMgr  *sma.TaskManager
	corr     *correlator
	reader   lineReader

	shutdown           atomic.Bool // indicates if has entered shutdown mode
	opening            atomic.Bool // suppresses background reconnect during the bounded Open loop
	reconnectScheduled atomic.Bool
	retryDelay         atomic.Int64 // current backoff delay in nanoseconds, shared by Open and the fault handler

	consecutiveTimeouts atomic.Int32

	senderFrameChan chan []byte

	metrics ConnectionMetrics // connection metrics
}

// ensure Connection satisfies the state manager's view of a connection.
var _ sma.Connection = (*Connection)(nil)

// NewConnection creates a new scale Connection with the given context and configuration.
// It initializes the connection state, task manager, and correlator.
// Returns an error if the configuration is nil.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	conn := &Connection{
		cfg:             cfg,
		pctx:            ctx,
		logger:          cfg.logger,
		senderFrameChan: make(chan []byte, cfg.senderQueueSize),
		taskMgr:         sma.NewTaskManager(ctx, cfg.logger),
	}

	conn.retryDelay.Store(int64(cfg.reconnectInitialDelay))
	conn.corr = newCorrelator(cfg.logger, &conn.metrics)
	conn.stateMgr = sma.NewConnStateMgr(ctx, conn, conn.connStateHandler)

	return conn, nil
}

// GetLogger returns the logger associated with the scale connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics associated with the scale connection.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// State returns the current connection state.
func (c *Connection) State() sma.ConnState {
	return c.stateMgr.State()
}

// AddConnStateChangeHandler adds one or more handlers invoked on connection state changes.
func (c *Connection) AddConnStateChangeHandler(handlers ...sma.ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// Open establishes the connection, blocking until the connected state is
// reached or the configured attempt bound is exhausted.
//
// Only Open is bounded; once the first connect succeeds, later losses
// reconnect in the background without caller intervention.
func (c *Connection) Open(ctx context.Context) error {
	if c.stateMgr.IsConnected() {
		return nil
	}

	c.shutdown.Store(false)
	c.opening.Store(true)
	defer c.opening.Store(false)

	c.retryDelay.Store(int64(c.cfg.reconnectInitialDelay))

	delay := c.cfg.reconnectInitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.connectAttempts; attempt++ {
		if err := c.stateMgr.ToConnecting(); err != nil {
			return err
		}

		lastErr = c.tryConnect(ctx)
		if lastErr == nil {
			return nil
		}

		c.metrics.incConnRetryGauge()
		_ = c.stateMgr.ToFaulted()

		if attempt == c.cfg.connectAttempts {
			break
		}

		timer := pool.GetTimer(delay)
		select {
		case <-ctx.Done():
			pool.PutTimer(timer)
			c.stateMgr.ToDisconnected()
			return ctx.Err()
		case <-timer.C:
		}
		pool.PutTimer(timer)

		delay = c.nextRetryDelay(delay)
	}

	c.stateMgr.ToDisconnected()

	return fmt.Errorf("%w after %d attempts: %w", sma.ErrConnectFailed, c.cfg.connectAttempts, lastErr)
}

// Close closes the scale connection gracefully.
// It terminates all running tasks, closes the TCP connection, and resets the
// connection state. Close is idempotent.
func (c *Connection) Close() error {
	c.shutdown.Store(true)
	c.stateMgr.ToDisconnected()

	return nil
}

// sendCommand submits one command and waits for its matching response, the
// command timeout, connection loss, or ctx cancellation.
func (c *Connection) sendCommand(ctx context.Context, cmd sma.Command) (sma.Frame, error) {
	if c.shutdown.Load() {
		return nil, sma.ErrClosed
	}

	if !c.stateMgr.IsConnected() {
		c.logger.Warn("command rejected, not connected", "cmd", cmd, "state", c.stateMgr.State())
		return nil, sma.ErrNotConnected
	}

	pr, err := c.corr.begin(cmd)
	if err != nil {
		return nil, err
	}

	c.metrics.incCmdSendCount()
	c.logger.Debug("command submitted", "cmd", cmd)

	replyTimer := pool.GetTimer(c.cfg.commandTimeout)
	defer pool.PutTimer(replyTimer)

	// hand the encoded frame to the sender task
	select {
	case c.senderFrameChan <- sma.Encode(cmd):
	case <-replyTimer.C:
		timedOut := c.corr.resolve(pr, nil, sma.ErrTimeout)
		res := <-pr.done
		if timedOut {
			c.onCommandTimeout(cmd)
		}

		return res.frame, res.err
	case <-ctx.Done():
		c.corr.resolve(pr, nil, ctx.Err())
		res := <-pr.done

		return res.frame, res.err
	}

	select {
	case res := <-pr.done:
		if res.err == nil {
			c.consecutiveTimeouts.Store(0)
		} else {
			c.logger.Debug("command failed", "cmd", cmd, "error", res.err)
		}

		return res.frame, res.err

	case <-replyTimer.C:
		timedOut := c.corr.resolve(pr, nil, sma.ErrTimeout)
		res := <-pr.done
		if timedOut {
			c.onCommandTimeout(cmd)
		}

		return res.frame, res.err

	case <-ctx.Done():
		c.corr.resolve(pr, nil, ctx.Err())
		res := <-pr.done

		return res.frame, res.err
	}
}

// onCommandTimeout tracks consecutive timeouts and recycles the connection
// once the configured cap is reached; a half-dead socket produces timeouts
// without ever raising a read or write error.
func (c *Connection) onCommandTimeout(cmd sma.Command) {
	c.metrics.incTimeoutCount()

	count := c.consecutiveTimeouts.Add(1)
	c.logger.Warn("command timeout", "cmd", cmd, "consecutive", count, "timeout", c.cfg.commandTimeout)

	if int(count) >= c.cfg.maxConsecutiveTimeouts {
		c.logger.Error("consecutive timeout cap reached, recycling connection",
			"count", count, "cap", c.cfg.maxConsecutiveTimeouts,
		)
		c.consecutiveTimeouts.Store(0)
		c.stateMgr.ToFaultedAsync()
	}
}

// connStateHandler reacts to every state transition; socket resources are
// created and destroyed only here.
func (c *Connection) connStateHandler(_ sma.Connection, prevState sma.ConnState, curState sma.ConnState) {
	c.logger.Debug("connection state changed", "prevState", prevState, "curState", curState)

	switch curState {
	case sma.ConnectedState:
		c.retryDelay.Store(int64(c.cfg.reconnectInitialDelay))
		c.consecutiveTimeouts.Store(0)
		c.metrics.resetConnRetryGauge()

		if err := c.startTasks(); err != nil {
			c.logger.Error("failed to start connection tasks", "error", err)
			c.stateMgr.ToFaultedAsync()
		}

	case sma.FaultedState:
		if c.corr.abortPending(sma.ErrConnectionLost) {
			c.logger.Warn("in-flight command failed by connection loss")
		}

		c.closeConn(c.cfg.closeConnTimeout)

		if !c.shutdown.Load() && !c.opening.Load() {
			delay := time.Duration(c.retryDelay.Load())
			c.logger.Info("connection faulted, scheduling reconnect", "delay", delay)

			if c.scheduleReconnect(delay) {
				c.metrics.incReconnectCount()
				c.retryDelay.Store(int64(c.nextRetryDelay(delay)))
			}
		}

	case sma.DisconnectedState:
		c.corr.abortPending(sma.ErrClosed)
		c.closeConn(c.cfg.closeConnTimeout)

	case sma.ConnectingState:
		// dialing is driven by Open or by the reconnect scheduler
	}
}

// startTasks starts the sender and receiver tasks for the current socket.
func (c *Connection) startTasks() error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil {
		return errors.New("no socket to serve")
	}

	if err := c.taskMgr.StartSender("senderTask", c.senderTask, nil, c.senderFrameChan); err != nil {
		return err
	}

	br := newFrameReader(conn)
	receive := func() bool {
		return c.receiveFrame(conn, br)
	}

	return c.taskMgr.StartReceiver("receiverTask", receive, c.cancelReceiverTask)
}

// senderTask writes one outbound frame to the socket.
// A write failure faults the connection and stops the task.
func (c *Connection) senderTask(frame []byte) bool {
	if err := c.writeFrame(frame); err != nil {
		opErr := &net.OpError{}
		if !errors.As(err, &opErr) {
			c.logger.Error("failed to write frame", "method", "senderTask", "error", err)
		}

		c.stateMgr.ToFaultedAsync()

		return false
	}

	return true
}

// writeFrame writes an encoded frame with a bounded write deadline.
func (c *Connection) writeFrame(frame []byte) error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil {
		return sma.ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.commandTimeout)); err != nil {
		return err
	}

	_, err := conn.Write(frame)

	return err
}

// receiveFrame reads one line from the socket and feeds it to the correlator.
// A read failure faults the connection (via cancelReceiverTask) and stops the task.
func (c *Connection) receiveFrame(conn net.Conn, br *bufio.Reader) bool {
	line, err := c.reader.ReadFrame(conn, br)
	if err != nil {
		if !isDisconnectError(err) {
			c.logger.Error("failed to read frame", "method", "receiveFrame", "error", err)
		}

		return false
	}

	c.metrics.incFrameRecvCount()
	c.corr.onLine(line)

	return true
}

// cancelReceiverTask faults the connection when the receiver exits, unless
// the exit was caused by an explicit close.
func (c *Connection) cancelReceiverTask() {
	if !c.shutdown.Load() {
		c.stateMgr.ToFaultedAsync()
	}
}

// tryConnect dials the scale once with a bounded timeout and, on success,
// transitions to the connected state.
func (c *Connection) tryConnect(ctx context.Context) error {
	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		c.logger.Debug("failed to dial to the scale", "address", address, "error", err)
		return err
	}

	c.connMutex.Lock()
	c.conn = conn
	c.connMutex.Unlock()

	if err := c.stateMgr.ToConnected(); err != nil {
		_ = conn.Close()
		return err
	}

	c.logger.Info("connected to the scale",
		"host", c.cfg.host,
		"port", c.cfg.port,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return nil
}

// scheduleReconnect arms a one-shot reconnect attempt after delay.
// It reports whether an attempt was armed; at most one is armed at a time.
func (c *Connection) scheduleReconnect(delay time.Duration) bool {
	if delay <= 0 {
		delay = c.cfg.reconnectInitialDelay
	}
	if c.shutdown.Load() {
		return false
	}
	if !c.reconnectScheduled.CompareAndSwap(false, true) {
		return false
	}

	// Runs on the parent context, never the per-socket resources: the faulted
	// socket is torn down by closeConn, but reconnect scheduling must keep
	// working afterwards. Never blocks the state manager handler.
	go func(ctx context.Context, d time.Duration) {
		defer c.reconnectScheduled.Store(false)

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if c.shutdown.Load() {
				return
			}

			if err := c.stateMgr.ToConnecting(); err != nil {
				c.logger.Debug("reconnect attempt skipped", "error", err)
				return
			}

			if err := c.tryConnect(ctx); err != nil {
				c.metrics.incConnRetryGauge()
				c.stateMgr.ToFaultedAsync()
			}
		}
	}(c.pctx, delay)

	return true
}

// nextRetryDelay grows the backoff delay exponentially up to the configured cap.
func (c *Connection) nextRetryDelay(delay time.Duration) time.Duration {
	next := delay * retryDelayFactor
	if next > c.cfg.reconnectMaxDelay {
		next = c.cfg.reconnectMaxDelay
	}

	return next
}

// closeConn performs the actual connection closing process with a timeout.
// It stops the task manager, closes the TCP connection, and waits for all
// goroutines to terminate.
func (c *Connection) closeConn(timeout time.Duration) {
	c.logger.Debug("start closeConn process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.taskMgr.Stop()

	// close TCP connection
	c.connMutex.Lock()
	if c.conn != nil {
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0) // force close without lingering
		}

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("failed to close TCP connection", "method", "closeConn", "error", err)
		}
		c.conn = nil
	}
	c.connMutex.Unlock()

	// drop frames queued for a socket that no longer exists
	c.drainSenderQueue()

	go func() {
		c.taskMgr.Wait()
		cancel()
	}()

	// wait all goroutines terminated
	<-ctx.Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("close success", "method", "closeConn")
	} else {
		c.logger.Error("close timeout", "method", "closeConn", "error", ctx.Err(), "timeout", timeout)
	}
}

// drainSenderQueue discards queued outbound frames so a reconnected socket
// never receives commands issued against the previous one.
func (c *Connection) drainSenderQueue() {
	for {
		select {
		case <-c.senderFrameChan:
		default:
			return
		}
	}
}

// isDisconnectError reports whether err is an ordinary connection teardown.
func isDisconnectError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset by peer")
}
