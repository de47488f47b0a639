package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Stream is one live broadcast connection.
type Stream interface {
	// Envelopes is closed when the stream ends.
	Envelopes() <-chan Envelope
	// Err reports why the stream ended: nil after Close, an error wrapping
	// domain.ErrDisconnected otherwise. Valid once Envelopes is closed.
	Err() error
	Close() error
}

// FilterableStream is a Stream that can also narrow delivery at the source.
type FilterableStream interface {
	Stream
	SetFilter(marketIDs []string) error
}

// Transport opens broadcast streams.
type Transport interface {
	Connect(ctx context.Context) (Stream, error)
}

// baseStream implements the bookkeeping shared by both transports.
type baseStream struct {
	out    chan Envelope
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func newBaseStream(cancel context.CancelFunc) *baseStream {
	return &baseStream{out: make(chan Envelope, 256), cancel: cancel}
}

func (s *baseStream) Envelopes() <-chan Envelope { return s.out }

func (s *baseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the first disconnect reason unless the stream was closed.
func (s *baseStream) fail(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = fmt.Errorf("%w: %v", domain.ErrDisconnected, reason)
}

func (s *baseStream) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// BusTransport subscribes directly to the signal bus. Server-side consumers
// use it.
type BusTransport struct {
	bus domain.SignalBus
}

// NewBusTransport creates a BusTransport.
func NewBusTransport(bus domain.SignalBus) *BusTransport {
	return &BusTransport{bus: bus}
}

type busStream struct {
	*baseStream
	done chan struct{}
}

// Connect subscribes to every market and trade channel.
func (t *BusTransport) Connect(ctx context.Context) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	markets, err := t.bus.Subscribe(sctx, MarketPattern)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fanout: bus connect: %w: %w", domain.ErrDisconnected, err)
	}
	trades, err := t.bus.Subscribe(sctx, TradePattern)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fanout: bus connect: %w: %w", domain.ErrDisconnected, err)
	}

	s := &busStream{baseStream: newBaseStream(cancel), done: make(chan struct{})}
	go s.pump(sctx, markets, trades)
	return s, nil
}

func (s *busStream) pump(ctx context.Context, markets, trades <-chan domain.BusMessage) {
	defer close(s.done)
	defer close(s.out)

	for {
		var (
			msg domain.BusMessage
			ok  bool
		)
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		case msg, ok = <-markets:
		case msg, ok = <-trades:
		}
		if !ok {
			s.fail(errors.New("bus subscription closed"))
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			continue
		}
		if env.MarketID == "" {
			env.MarketID, _ = MarketFromChannel(msg.Channel)
		}
		select {
		case s.out <- env:
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

// Close ends the subscription and waits for the pump to exit.
func (s *busStream) Close() error {
	if s.markClosed() {
		s.cancel()
	}
	<-s.done
	return nil
}

// WSTransport connects to the exchange's websocket endpoint.
type WSTransport struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	pingTimeout time.Duration
}

// NewWSTransport creates a transport for url (ws:// or wss://).
func NewWSTransport(url string, header http.Header) *WSTransport {
	return &WSTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		pingTimeout: 90 * time.Second,
	}
}

type wsStream struct {
	*baseStream
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// watchMsg narrows server-side delivery to the given markets.
type watchMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

// Connect dials the websocket endpoint.
func (t *WSTransport) Connect(ctx context.Context) (Stream, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("fanout: dial %s: %w: %w", t.url, domain.ErrDisconnected, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &wsStream{baseStream: newBaseStream(cancel), conn: conn, done: make(chan struct{})}

	// The server pings periodically; a silent connection is treated as lost.
	_ = conn.SetReadDeadline(time.Now().Add(t.pingTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.pingTimeout))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()
	go s.readLoop(sctx, t.pingTimeout)
	return s, nil
}

func (s *wsStream) readLoop(ctx context.Context, timeout time.Duration) {
	defer close(s.done)
	defer close(s.out)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			s.cancel()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type != TypeMarketState && env.Type != TypeTrade {
			continue
		}
		select {
		case s.out <- env:
		case <-ctx.Done():
			return
		}
	}
}

// SetFilter asks the server to deliver only marketIDs. An empty list clears
// the server-side filter.
func (s *wsStream) SetFilter(marketIDs []string) error {
	data, err := json.Marshal(watchMsg{Action: "watch", Markets: marketIDs})
	if err != nil {
		return fmt.Errorf("fanout: marshal filter: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("fanout: send filter: %w", err)
	}
	return nil
}

// Close shuts the connection and waits for the reader to exit.
func (s *wsStream) Close() error {
	if s.markClosed() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.cancel()
	}
	<-s.done
	return nil
}

// Compile-time interface checks.
var (
	_ Transport        = (*BusTransport)(nil)
	_ Transport        = (*WSTransport)(nil)
	_ FilterableStream = (*wsStream)(nil)
)
