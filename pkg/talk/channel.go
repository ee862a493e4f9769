package talk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelConfig configures a DuplexChannel.
type ChannelConfig struct {
	URL              string
	Header           http.Header
	Tokens           *TokenSource
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Debug            bool
}

// ChannelConfigFromConfig derives the channel settings for one session. The
// session id and capture codec are passed as query parameters.
func ChannelConfigFromConfig(c *Config, sessionID, codec string) (ChannelConfig, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ChannelConfig{}, WrapError(err, ErrCodeConfigInvalid, "parse server url")
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	if codec != "" {
		q.Set("codec", codec)
	}
	u.RawQuery = q.Encode()

	header := make(http.Header)
	for k, v := range c.Headers {
		header.Set(k, v)
	}

	cc := ChannelConfig{
		URL:              u.String(),
		Header:           header,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		PingInterval:     c.PingInterval,
		Debug:            c.DebugWebsocket,
	}
	if c.UseTokenAuth {
		cc.Tokens = NewTokenSource(c.APIKey, sessionID)
	}
	return cc, nil
}

// DuplexChannel owns one websocket connection. Text frames carry JSON
// structured events, binary frames carry audio.
//
// Events are delivered synchronously on the goroutine that observed them:
// open on the Connect caller, everything else on the connection's reader.
// Each connection attempt ends with exactly one close event and nothing is
// emitted for that attempt afterwards.
//
// Sends while the channel is not open are dropped without error.
type DuplexChannel struct {
	cfg    ChannelConfig
	logger *Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   ConnectionState
	current *connAttempt

	writeMu sync.Mutex

	openEv       emitter[struct{}]
	closeEv      emitter[error]
	errorEv      emitter[error]
	structuredEv emitter[StructuredEvent]
	audioEv      emitter[[]byte]

	textReceived   atomic.Int64
	binaryReceived atomic.Int64
	discarded      atomic.Int64
	structuredSent atomic.Int64
	binarySent     atomic.Int64
	dropped        atomic.Int64
}

type connAttempt struct {
	conn     *websocket.Conn
	closing  atomic.Bool
	finished chan struct{}
}

func NewDuplexChannel(cfg ChannelConfig, logger *Logger) *DuplexChannel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &DuplexChannel{
		cfg:    cfg,
		logger: loggerOrGlobal(logger).WithComponent("channel"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state: ConnIdle,
	}
}

// Connect dials the server. It is a no-op while a connection is being
// established or is open. On failure an error event and a close event are
// raised and the error is returned.
func (c *DuplexChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnConnecting || c.state == ConnOpen {
		c.mu.Unlock()
		return nil
	}
	prev := c.current
	c.mu.Unlock()

	// Events of a new attempt never precede the close of the previous one.
	if prev != nil {
		select {
		case <-prev.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.state == ConnConnecting || c.state == ConnOpen {
		c.mu.Unlock()
		return nil
	}
	a := &connAttempt{finished: make(chan struct{})}
	c.current = a
	c.state = ConnConnecting
	c.mu.Unlock()

	c.logger.LogConnectionEvent("connecting", ConnConnecting, map[string]interface{}{"url": c.cfg.URL})

	conn, err := c.dial(ctx)
	if err != nil {
		if a.closing.Load() {
			err = nil
		}
		c.finish(a, err)
		if err == nil {
			return NewWebSocketError("channel closed during handshake", nil)
		}
		return err
	}

	c.mu.Lock()
	if a.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		c.finish(a, nil)
		return NewWebSocketError("channel closed during handshake", nil)
	}
	a.conn = conn
	c.state = ConnOpen
	c.mu.Unlock()

	c.logger.LogConnectionEvent("open", ConnOpen, nil)
	c.openEv.emit(struct{}{})

	if c.cfg.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		})
		go c.pingLoop(a)
	}
	go c.readLoop(a)
	return nil
}

func (c *DuplexChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := c.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token()
		if err != nil {
			return nil, NewConnectionError(c.cfg.URL, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		cerr := NewConnectionError(c.cfg.URL, err)
		if resp != nil {
			cerr.AddDetail("status", resp.StatusCode)
		}
		return nil, cerr
	}
	return conn, nil
}

// finish ends an attempt: state becomes closed, an error event is raised
// for abnormal endings, then the single close event. Close handlers must not
// call Connect synchronously; it waits for the attempt to finish.
func (c *DuplexChannel) finish(a *connAttempt, err error) {
	c.mu.Lock()
	if c.current == a {
		c.state = ConnClosed
	}
	c.mu.Unlock()

	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
		c.errorEv.emit(err)
	}
	c.logger.LogConnectionEvent("close", ConnClosed, fields)

	c.closeEv.emit(err)
	close(a.finished)
}

func (c *DuplexChannel) readLoop(a *connAttempt) {
	defer a.conn.Close()

	for {
		kind, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			} else {
				err = NewWebSocketError("connection lost", err)
			}
			c.finish(a, err)
			return
		}
		if a.closing.Load() {
			continue
		}
		if c.cfg.PingInterval > 0 {
			_ = a.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		}

		switch kind {
		case websocket.TextMessage:
			c.textReceived.Add(1)
			ev, perr := ParseStructuredEvent(data)
			if perr != nil {
				c.discarded.Add(1)
				c.logger.WithError(perr).WithField("bytes", len(data)).Warn("Discarding malformed text frame")
				continue
			}
			if c.cfg.Debug {
				c.logger.LogMessageEvent("in", ev.Type, ev.Fields)
			}
			c.structuredEv.emit(ev)
		case websocket.BinaryMessage:
			c.binaryReceived.Add(1)
			if c.cfg.Debug {
				c.logger.LogMessageEvent("in", "audio", map[string]interface{}{"bytes": len(data)})
			}
			c.audioEv.emit(data)
		}
	}
}

func (c *DuplexChannel) pingLoop(a *connAttempt) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.finished:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := a.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

// SendStructured JSON-encodes msg and sends it as a text frame.
func (c *DuplexChannel) SendStructured(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return WrapError(err, ErrCodeJSONParse, "encode structured message")
	}
	if c.cfg.Debug {
		msgType := ""
		if cm, ok := msg.(ControlMessage); ok {
			msgType = cm.Type
		}
		c.logger.LogMessageEvent("out", msgType, map[string]interface{}{"bytes": len(data)})
	}
	return c.write(websocket.TextMessage, data, &c.structuredSent)
}

// SendBinary sends chunk as one binary frame.
func (c *DuplexChannel) SendBinary(chunk []byte) error {
	return c.write(websocket.BinaryMessage, chunk, &c.binarySent)
}

func (c *DuplexChannel) write(kind int, data []byte, sent *atomic.Int64) error {
	c.mu.Lock()
	if c.state != ConnOpen || c.current == nil || c.current.conn == nil {
		c.mu.Unlock()
		c.dropped.Add(1)
		return nil
	}
	conn := c.current.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(kind, data); err != nil {
		return NewWebSocketError("write failed", err)
	}
	sent.Add(1)
	return nil
}

// Close closes the connection. The close event is raised by the goroutine
// that owns the attempt, so Close may be called from an event handler.
func (c *DuplexChannel) Close() error {
	c.mu.Lock()
	a := c.current
	if a == nil || c.state == ConnClosed || c.state == ConnIdle {
		c.mu.Unlock()
		return nil
	}
	a.closing.Store(true)
	c.state = ConnClosed
	conn := a.conn
	c.mu.Unlock()

	if conn == nil {
		// Still dialing; Connect finishes the attempt.
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	return nil
}

// Done returns a channel closed once the current attempt has ended and its
// close event was delivered. It is nil before the first Connect.
func (c *DuplexChannel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.finished
}

func (c *DuplexChannel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *DuplexChannel) Stats() ChannelStats {
	return ChannelStats{
		TextFramesReceived:   c.textReceived.Load(),
		BinaryFramesReceived: c.binaryReceived.Load(),
		Discarded:            c.discarded.Load(),
		StructuredSent:       c.structuredSent.Load(),
		BinarySent:           c.binarySent.Load(),
		Dropped:              c.dropped.Load(),
	}
}

// OnOpen registers a handler for the open event and returns its remover.
func (c *DuplexChannel) OnOpen(fn func()) func() {
	return c.openEv.on(func(struct{}) { fn() })
}

// OnClose registers a close handler. err is nil for a clean close.
func (c *DuplexChannel) OnClose(fn func(err error)) func() {
	return c.closeEv.on(fn)
}

func (c *DuplexChannel) OnError(fn func(err error)) func() {
	return c.errorEv.on(fn)
}

func (c *DuplexChannel) OnStructured(fn func(StructuredEvent)) func() {
	return c.structuredEv.on(fn)
}

// OnAudio registers a handler for binary frames. Handlers receive frames in
// arrival order.
func (c *DuplexChannel) OnAudio(fn func([]byte)) func() {
	return c.audioEv.on(fn)
}
