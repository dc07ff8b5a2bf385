// Package wstransport owns one WebSocket connection per (venue,
// public/private) pair: dial, authenticate, ping/pong, reconnect with
// backoff+jitter, subscription replay, and dispatch of parsed frames to
// a typed event handler.
package wstransport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config governs dial timeouts, keep-alive cadence, and reconnect
// backoff.
type Config struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxRetries     int // 0 = unlimited
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	JitterFactor   float64 // 0..1; fraction of delay randomized
}

// DefaultConfig is a cadence suited to both venues' public and private
// streams.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   15 * time.Second,
		PongTimeout:    10 * time.Second,
		JitterFactor:   0.2,
	}
}

// State is the transport's connection-state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Decoder turns one raw frame into a tagged Event. Venues differ in
// wire format (JSON vs protobuf); each venue package supplies its own
// Decoder.
type Decoder interface {
	Decode(raw []byte, isBinary bool) (Event, error)
}

// AuthFunc performs in-band authentication on a freshly dialed
// connection. Venues using the listen-key regime instead pass nil here
// and manage key refresh themselves above this package.
type AuthFunc func(*websocket.Conn) error

// Transport owns one WebSocket connection with automatic reconnect.
type Transport struct {
	name   string
	url    string
	config Config
	logger *zap.Logger
	decode Decoder

	conn   *websocket.Conn
	connMu sync.RWMutex

	state      int32
	retryCount int32
	closeChan  chan struct{}
	closeOnce  sync.Once

	onEvent      func(Event)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	subscriptions   [][]byte
	subscriptionsMu sync.RWMutex

	authFunc AuthFunc
}

// New builds a Transport for one venue connection.
func New(name, url string, config Config, decode Decoder, logger *zap.Logger) *Transport {
	return &Transport{
		name:      name,
		url:       url,
		config:    config,
		decode:    decode,
		logger:    logger,
		closeChan: make(chan struct{}),
	}
}

func (t *Transport) SetOnEvent(h func(Event)) { t.setCB(func() { t.onEvent = h }) }

func (t *Transport) SetOnConnect(h func()) { t.setCB(func() { t.onConnect = h }) }

func (t *Transport) SetOnDisconnect(h func(error)) { t.setCB(func() { t.onDisconnect = h }) }

func (t *Transport) SetAuthFunc(fn AuthFunc) { t.authFunc = fn }

func (t *Transport) setCB(f func()) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	f()
}

// AddSubscription records a subscribe message (as already-marshaled
// JSON) to be replayed after every (re)connect.
func (t *Transport) AddSubscription(msg []byte) {
	t.subscriptionsMu.Lock()
	t.subscriptions = append(t.subscriptions, msg)
	t.subscriptionsMu.Unlock()
}

// ClearSubscriptions drops all recorded subscriptions, e.g. when a
// symbol is removed.
func (t *Transport) ClearSubscriptions() {
	t.subscriptionsMu.Lock()
	t.subscriptions = nil
	t.subscriptionsMu.Unlock()
}

func (t *Transport) State() State { return State(atomic.LoadInt32(&t.state)) }

func (t *Transport) IsConnected() bool { return t.State() == StateConnected }

// Connect dials, authenticates, replays subscriptions, and starts the
// read/ping loops.
func (t *Transport) Connect() error {
	select {
	case <-t.closeChan:
		return fmt.Errorf("%s: transport is closed", t.name)
	default:
	}

	atomic.StoreInt32(&t.state, int32(StateConnecting))

	if err := t.dial(); err != nil {
		atomic.StoreInt32(&t.state, int32(StateDisconnected))
		return err
	}

	atomic.StoreInt32(&t.state, int32(StateConnected))
	atomic.StoreInt32(&t.retryCount, 0)

	t.fireConnect()
	go t.readPump()
	go t.pingPump()

	t.logger.Info("websocket connected", zap.String("venue", t.name), zap.String("url", t.url))
	return nil
}

func (t *Transport) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", t.name, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	// A pong (or any inbound frame) pushes the read deadline out; a peer
	// that stops answering pings lets the deadline expire, which surfaces
	// in readPump as a timeout error and triggers reconnect.
	if d := t.readDeadline(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.readDeadline()))
		})
	}

	if t.authFunc != nil {
		if err := t.authFunc(conn); err != nil {
			conn.Close()
			t.connMu.Lock()
			t.conn = nil
			t.connMu.Unlock()
			return fmt.Errorf("%s: auth: %w", t.name, err)
		}
	}

	if err := t.resubscribe(); err != nil {
		t.logger.Warn("resubscribe failed; subscriptions are replayed on the next reconnect",
			zap.String("venue", t.name), zap.Error(err))
	}

	return nil
}

func (t *Transport) resubscribe() error {
	t.subscriptionsMu.RLock()
	subs := make([][]byte, len(t.subscriptions))
	copy(subs, t.subscriptions)
	t.subscriptionsMu.RUnlock()

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: no connection", t.name)
	}

	for _, sub := range subs {
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			return fmt.Errorf("%s: resubscribe: %w", t.name, err)
		}
	}
	if len(subs) > 0 {
		t.logger.Info("resubscribed", zap.String("venue", t.name), zap.Int("channels", len(subs)))
	}
	return nil
}

func (t *Transport) readPump() {
	defer t.handleDisconnect(nil)

	for {
		select {
		case <-t.closeChan:
			return
		default:
		}

		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.logger.Warn("pong timeout, reconnecting", zap.String("venue", t.name))
			}
			t.handleDisconnect(err)
			return
		}
		if d := t.readDeadline(); d > 0 {
			// Data frames prove liveness just as well as pongs do.
			conn.SetReadDeadline(time.Now().Add(d))
		}

		ev, err := t.decode.Decode(message, msgType == websocket.BinaryMessage)
		if err != nil {
			// Parse failures are logged and dropped; the socket stays up.
			t.logger.Debug("decode error, dropping frame",
				zap.String("venue", t.name), zap.Error(err), zap.Int("len", len(message)))
			continue
		}

		t.callbackMu.RLock()
		onEvent := t.onEvent
		t.callbackMu.RUnlock()
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

func (t *Transport) pingPump() {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeChan:
			return
		case <-ticker.C:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil || t.State() != StateConnected {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(t.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Warn("ping failed", zap.String("venue", t.name), zap.Error(err))
				t.handleDisconnect(err)
				return
			}
		}
	}
}

func (t *Transport) handleDisconnect(err error) {
	select {
	case <-t.closeChan:
		return
	default:
	}

	state := t.State()
	if state == StateReconnecting || state == StateClosed {
		return
	}
	atomic.StoreInt32(&t.state, int32(StateReconnecting))

	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()

	t.callbackMu.RLock()
	onDisconnect := t.onDisconnect
	t.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}
	if err != nil {
		t.logger.Warn("websocket disconnected", zap.String("venue", t.name), zap.Error(err))
	}

	go t.reconnectLoop()
}

func (t *Transport) reconnectLoop() {
	delay := t.config.InitialDelay

	for {
		select {
		case <-t.closeChan:
			return
		default:
		}

		retryCount := atomic.AddInt32(&t.retryCount, 1)
		if t.config.MaxRetries > 0 && int(retryCount) > t.config.MaxRetries {
			t.logger.Error("max reconnect attempts reached",
				zap.String("venue", t.name), zap.Int("max", t.config.MaxRetries))
			atomic.StoreInt32(&t.state, int32(StateDisconnected))
			return
		}

		jittered := withJitter(delay, t.config.JitterFactor)
		t.logger.Info("reconnecting",
			zap.String("venue", t.name), zap.Duration("delay", jittered), zap.Int32("attempt", retryCount))

		select {
		case <-t.closeChan:
			return
		case <-time.After(jittered):
		}

		if err := t.dial(); err != nil {
			t.logger.Warn("reconnect failed", zap.String("venue", t.name), zap.Error(err))
			delay *= 2
			if delay > t.config.MaxDelay {
				delay = t.config.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&t.state, int32(StateConnected))
		atomic.StoreInt32(&t.retryCount, 0)
		t.fireConnect()
		t.logger.Info("reconnected", zap.String("venue", t.name))

		go t.readPump()
		go t.pingPump()
		return
	}
}

func (t *Transport) fireConnect() {
	t.callbackMu.RLock()
	onConnect := t.onConnect
	t.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}
}

// readDeadline is how long the connection may stay silent before it is
// declared dead: one full ping interval plus the pong grace period.
// Zero (PongTimeout unset) disables deadline enforcement.
func (t *Transport) readDeadline() time.Duration {
	if t.config.PongTimeout <= 0 {
		return 0
	}
	return t.config.PingInterval + t.config.PongTimeout
}

// withJitter randomizes delay by +/- factor, never going negative.
func withJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor * (rand.Float64()*2 - 1)
	result := float64(delay) + jitter
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// Send writes an already-marshaled message (signed subscribe, etc).
func (t *Transport) Send(raw []byte) error {
	if t.State() != StateConnected {
		return fmt.Errorf("%s: not connected (state=%s)", t.name, t.State())
	}
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: no connection", t.name)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close stops reconnection and closes the underlying connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closeChan) })
	atomic.StoreInt32(&t.state, int32(StateClosed))

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// RetryCount is the number of reconnect attempts made since the last
// successful connect.
func (t *Transport) RetryCount() int { return int(atomic.LoadInt32(&t.retryCount)) }
