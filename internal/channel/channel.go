// Package channel maintains the duplex session with the market data gateway.
//
// Requests are written to a websocket and return immediately. Everything the
// gateway sends back is decoded by a reader goroutine and handed to a single
// dispatch goroutine, which is the only context that invokes the Handler. Events
// for one request therefore reach the handler in the order they were received.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnayoung/go-fx-collector/internal/config"
	apperrors "github.com/johnayoung/go-fx-collector/internal/errors"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// Handler receives gateway events. All methods are called from the dispatch
// goroutine only and must not block for long. Nothing is delivered before Open
// or after Done is closed.
type Handler interface {
	OnConnectionState(connected bool, message string)
	OnBar(requestID int64, bar models.Bar)
	OnRequestComplete(requestID int64, rangeStart, rangeEnd string)
	OnError(requestID int64, code int, message string)
}

// ErrNotConfirmed is returned by Open when the gateway never confirmed the session.
var ErrNotConfirmed = errors.New("gateway did not confirm the session")

const noticeBuffer = 64

// Config configures a Channel.
type Config struct {
	URL              string
	ClientID         int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	FirstRequestID   int64
	Retry            config.RetryConfig
}

// ConfigFrom derives the channel configuration from the connection section.
func ConfigFrom(c config.ConnectionConfig) Config {
	u := url.URL{Scheme: "ws", Host: c.Address(), Path: c.Path}
	return Config{
		URL:              u.String(),
		ClientID:         c.ClientID,
		HandshakeTimeout: c.HandshakeTimeoutDuration(),
		PingInterval:     c.PingIntervalDuration(),
		WriteTimeout:     c.WriteTimeoutDuration(),
		FirstRequestID:   c.FirstRequestID,
		Retry:            c.Retry,
	}
}

// Channel is one gateway session.
type Channel struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	retrier *apperrors.Retrier

	nextID atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool
	confirmed chan struct{}
	confirm   sync.Once

	inbound chan Frame
	notices chan notice

	stop       chan struct{}
	readerDone chan struct{}
	dispatched chan struct{}
	started    atomic.Bool
	closeOnce  sync.Once
}

type notice struct {
	connected bool
	message   string
}

// New creates a channel that delivers events to handler. Open must be called
// before requests can be submitted.
func New(cfg Config, handler Handler, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FirstRequestID <= 0 {
		cfg.FirstRequestID = 1
	}

	c := &Channel{
		cfg:        cfg,
		handler:    handler,
		logger:     logger,
		retrier:    apperrors.NewRetrier(cfg.Retry, logger),
		confirmed:  make(chan struct{}),
		inbound:    make(chan Frame, noticeBuffer),
		notices:    make(chan notice, noticeBuffer),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	c.nextID.Store(cfg.FirstRequestID - 1)
	return c
}

// Open dials the gateway, announces the client id and waits for the gateway
// to confirm the session. The whole sequence is bounded by HandshakeTimeout.
func (c *Channel) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.logger.Info("connecting to gateway", "url", c.cfg.URL, "client_id", c.cfg.ClientID)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	target := c.dialURL()

	var conn *websocket.Conn
	err := c.retrier.Retry(ctx, "channel", "dial", func() error {
		var dialErr error
		conn, _, dialErr = dialer.DialContext(ctx, target, nil)
		return dialErr
	})
	if err != nil {
		return apperrors.NewConnectionError("dial", err).With("url", c.cfg.URL)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.started.Store(true)
	go c.readLoop(conn)
	go c.dispatchLoop()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}

	if err := c.writeFrame(Frame{Type: FrameHello, ClientID: c.cfg.ClientID}); err != nil {
		_ = c.Close()
		return apperrors.NewConnectionError("hello", err)
	}

	select {
	case <-c.confirmed:
		c.logger.Info("gateway session confirmed", "client_id", c.cfg.ClientID)
		return nil
	case <-c.readerDone:
		_ = c.Close()
		return apperrors.NewConnectionError("confirm", fmt.Errorf("%w: connection closed", ErrNotConfirmed))
	case <-ctx.Done():
		_ = c.Close()
		return apperrors.NewConnectionError("confirm", fmt.Errorf("%w within %s", ErrNotConfirmed, c.cfg.HandshakeTimeout))
	}
}

func (c *Channel) dialURL() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("client_id", fmt.Sprint(c.cfg.ClientID))
	u.RawQuery = q.Encode()
	return u.String()
}

// NextRequestID returns a new request id, unique for the life of the process.
func (c *Channel) NextRequestID() int64 {
	return c.nextID.Add(1)
}

// IsConnected reports whether the session is currently usable.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// SubmitRequest sends a historical data request and returns immediately. A
// failed write on a live session is reported as a connection state event. In
// every failure case the request is never answered and its waiter times out.
func (c *Channel) SubmitRequest(id int64, req HistoricalRequest) {
	if !c.connected.Load() {
		c.logger.Warn("request not sent, gateway not connected", "request_id", id)
		c.notify(false, fmt.Sprintf("request %d not sent: not connected", id))
		return
	}

	r := req
	if err := c.writeFrame(Frame{Type: FrameHistoricalRequest, ReqID: id, Request: &r}); err != nil {
		c.logger.Error("request write failed", "request_id", id, "error", err)
		c.connected.Store(false)
		c.notify(false, fmt.Sprintf("request %d not sent: %v", id, err))
		return
	}

	c.logger.Debug("request submitted",
		"request_id", id,
		"symbol", req.Symbol+"/"+req.Currency,
		"bar_size", req.BarSize,
		"duration", req.Duration)
}

func (c *Channel) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errors.New("connection not open")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// notify queues a connection state event for the dispatch goroutine. Notices
// raised while no dispatcher runs, before Open or after the session ended, are
// logged and dropped so the handler is only ever called from dispatch.
func (c *Channel) notify(connected bool, message string) {
	if !c.started.Load() {
		c.logger.Debug("dropping connection notice, session not open", "message", message)
		return
	}
	select {
	case <-c.dispatched:
		c.logger.Debug("dropping connection notice, session ended", "message", message)
		return
	default:
	}
	select {
	case c.notices <- notice{connected: connected, message: message}:
	default:
		c.logger.Warn("dropping connection notice, dispatch queue full", "message", message)
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.readerDone)
	defer close(c.inbound)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			msg := "connection closed"
			if !c.closing() {
				c.logger.Warn("gateway read failed", "error", err)
				msg = fmt.Sprintf("connection lost: %v", err)
			}
			c.notices <- notice{connected: false, message: msg}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		c.inbound <- f
	}
}

func (c *Channel) dispatchLoop() {
	defer close(c.dispatched)

	for {
		// Connection notices raised by the reader are queued before it closes
		// inbound, so draining notices after inbound closes loses nothing.
		select {
		case n := <-c.notices:
			c.handler.OnConnectionState(n.connected, n.message)
		case f, ok := <-c.inbound:
			if !ok {
				c.drainNotices()
				return
			}
			c.dispatch(f)
		}
	}
}

func (c *Channel) drainNotices() {
	for {
		select {
		case n := <-c.notices:
			c.handler.OnConnectionState(n.connected, n.message)
		default:
			return
		}
	}
}

func (c *Channel) dispatch(f Frame) {
	switch f.Type {
	case FrameConnectionStatus:
		c.connected.Store(f.Connected)
		if f.Connected {
			c.confirm.Do(func() { close(c.confirmed) })
		}
		c.handler.OnConnectionState(f.Connected, f.Message)
	case FrameHistoricalBar:
		if f.Bar == nil {
			c.logger.Warn("dropping bar frame without bar", "request_id", f.ReqID)
			return
		}
		c.handler.OnBar(f.ReqID, f.Bar.ToBar())
	case FrameHistoricalEnd:
		c.handler.OnRequestComplete(f.ReqID, f.Start, f.End)
	case FrameError:
		c.handler.OnError(f.ReqID, f.Code, f.Message)
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.readerDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("keepalive ping failed", "error", err)
			}
		}
	}
}

func (c *Channel) closing() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Close ends the session and waits for the dispatch goroutine to exit. It is
// safe to call more than once and before Open.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.connected.Store(false)

		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}

		if c.started.Load() {
			<-c.dispatched
		}
		c.logger.Info("gateway session closed")
	})
	return err
}

// Done is closed once the dispatch goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.dispatched
}
