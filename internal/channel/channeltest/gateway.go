// Package channeltest provides an in-process fake of the market data gateway
// for tests of the channel and of components built on it.
package channeltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// Responder is invoked for every historical request the gateway receives, on
// the session's read goroutine.
type Responder func(s *Session, id int64, req channel.HistoricalRequest)

// Request is a historical request as received by the gateway.
type Request struct {
	ID       int64
	ClientID int
	Request  channel.HistoricalRequest
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithResponder sets the function answering historical requests.
func WithResponder(r Responder) Option {
	return func(g *Gateway) { g.responder = r }
}

// WithoutConfirmation makes the gateway accept the socket but never confirm the session.
func WithoutConfirmation() Option {
	return func(g *Gateway) { g.confirm = false }
}

// WithSessionNotices makes the gateway send session level error frames before
// confirming, the way a real gateway reports farm status.
func WithSessionNotices(codes ...int) Option {
	return func(g *Gateway) { g.notices = codes }
}

// Gateway is a websocket server speaking the gateway protocol.
type Gateway struct {
	t         testing.TB
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	responder Responder
	confirm   bool
	notices   []int

	mu       sync.Mutex
	requests []Request
	sessions []*Session
	hellos   []int
}

// New starts a gateway that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Gateway {
	t.Helper()
	g := &Gateway{t: t, confirm: true}
	for _, opt := range opts {
		opt(g)
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.Close)
	return g
}

// URL returns the websocket URL of the gateway.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/v1/api/ws"
}

// Close drops every session and stops the server.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := append([]*Session(nil), g.sessions...)
	g.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	g.srv.Close()
}

// Requests returns the historical requests received so far.
func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.requests...)
}

// Hellos returns the client ids announced by connecting clients.
func (g *Gateway) Hellos() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.hellos...)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Logf("fake gateway upgrade failed: %v", err)
		return
	}
	s := &Session{conn: conn}
	g.mu.Lock()
	g.sessions = append(g.sessions, s)
	g.mu.Unlock()
	defer s.Close()

	var clientID int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f channel.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			g.t.Logf("fake gateway got malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case channel.FrameHello:
			clientID = f.ClientID
			g.mu.Lock()
			g.hellos = append(g.hellos, clientID)
			g.mu.Unlock()
			for _, code := range g.notices {
				s.SendError(channel.SessionRequestID, code, "session notice")
			}
			if g.confirm {
				s.SendStatus(true, "session established")
			}
		case channel.FrameHistoricalRequest:
			if f.Request == nil {
				continue
			}
			g.mu.Lock()
			g.requests = append(g.requests, Request{ID: f.ReqID, ClientID: clientID, Request: *f.Request})
			g.mu.Unlock()
			if g.responder != nil {
				g.responder(s, f.ReqID, *f.Request)
			}
		}
	}
}

// Session is one client connection on the fake gateway.
type Session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *Session) send(f channel.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.WriteJSON(f)
}

// SendBar sends one bar for request id.
func (s *Session) SendBar(id int64, bar models.Bar) {
	s.send(channel.Frame{Type: channel.FrameHistoricalBar, ReqID: id, Bar: channel.NewWireBar(bar)})
}

// SendBars sends every bar followed by the end of the request.
func (s *Session) SendBars(id int64, bars []models.Bar) {
	for _, b := range bars {
		s.SendBar(id, b)
	}
	start, end := "", ""
	if len(bars) > 0 {
		start, end = bars[0].Time, bars[len(bars)-1].Time
	}
	s.SendEnd(id, start, end)
}

// SendEnd completes request id.
func (s *Session) SendEnd(id int64, start, end string) {
	s.send(channel.Frame{Type: channel.FrameHistoricalEnd, ReqID: id, Start: start, End: end})
}

// SendError fails request id, or reports a session notice for SessionRequestID.
func (s *Session) SendError(id int64, code int, message string) {
	s.send(channel.Frame{Type: channel.FrameError, ReqID: id, Code: code, Message: message})
}

// SendStatus reports the session state.
func (s *Session) SendStatus(connected bool, message string) {
	s.send(channel.Frame{Type: channel.FrameConnectionStatus, Connected: connected, Message: message})
}

// SendRaw writes an arbitrary text frame.
func (s *Session) SendRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
	}
}

// Close drops the connection without a close handshake.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// Bars builds n daily bars starting at 2024-01-02 with rising closes.
func Bars(n int) []models.Bar {
	bars := make([]models.Bar, 0, n)
	first := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := 1.10 + float64(i)/100
		v := int64(-1)
		bars = append(bars, models.Bar{
			Time:   first.AddDate(0, 0, i).Format("20060102"),
			Open:   c - 0.002,
			High:   c + 0.005,
			Low:    c - 0.005,
			Close:  c,
			Volume: &v,
		})
	}
	return bars
}
