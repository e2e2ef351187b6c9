// Package transport manages the widget's live websocket connection to the
// chat broker: connect/join, fire-and-forget sends, drop detection and
// reconnection. Incoming frames are decoded into protocol events and handed
// to registered callbacks by a single dispatcher goroutine, in arrival order.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/protocol"
)

var (
	ErrSendUnavailable = errors.New("transport: not connected")
	ErrConnectFailed   = errors.New("transport: connect failed")
	ErrClosed          = errors.New("transport: channel closed")
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type ReconnectPolicy struct {
	Enabled bool
	// Attempts bounds consecutive redials; <= 0 retries until Close.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

type Options struct {
	URL          string
	Dialer       Dialer
	Header       http.Header
	WriteTimeout time.Duration
	// PingInterval enables websocket keepalive; a peer silent for two
	// intervals is treated as dropped. Zero disables it.
	PingInterval time.Duration
	QueueSize    int
	Reconnect    ReconnectPolicy
}

type item struct {
	event protocol.Event
	state State
}

// Channel is one widget's connection to the broker. At most one websocket
// is open at any time.
type Channel struct {
	url          string
	dialer       Dialer
	header       http.Header
	writeTimeout time.Duration
	pingInterval time.Duration
	reconnect    ReconnectPolicy

	mu           sync.Mutex
	state        State
	chatID       chat.ID
	conn         *websocket.Conn
	gen          uint64
	closed       bool
	reconnecting bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	onMessage  []func(chat.Message)
	onTyping   []func()
	onStatus   []func(string)
	onState    []func(State)

	queue        chan item
	done         chan struct{}
	dispatchDone chan struct{}
	baseCtx      context.Context
	cancel       context.CancelFunc
}

func NewChannel(opts Options) (*Channel, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("transport: url is empty")
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Reconnect.Delay <= 0 {
		opts.Reconnect.Delay = 500 * time.Millisecond
	}
	if opts.Reconnect.MaxDelay <= 0 {
		opts.Reconnect.MaxDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:          opts.URL,
		dialer:       opts.Dialer,
		header:       opts.Header,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		reconnect:    opts.Reconnect,
		state:        StateDisconnected,
		queue:        make(chan item, opts.QueueSize),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		baseCtx:      ctx,
		cancel:       cancel,
	}
	go c.dispatch()
	return c, nil
}

// WebsocketURL derives the broker endpoint from the Chat API base URL.
func WebsocketURL(apiBase, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", errors.Wrap(err, "transport: parse api base")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/ws"
	}
	return u.JoinPath(path).String(), nil
}

func (c *Channel) OnMessage(h func(chat.Message)) {
	if c == nil || h == nil {
		return
	}
	c.handlersMu.Lock()
	c.onMessage = append(c.onMessage, h)
	c.handlersMu.Unlock()
}

func (c *Channel) OnTyping(h func()) {
	if c == nil || h == nil {
		return
	}
	c.handlersMu.Lock()
	c.onTyping = append(c.onTyping, h)
	c.handlersMu.Unlock()
}

func (c *Channel) OnStatus(h func(string)) {
	if c == nil || h == nil {
		return
	}
	c.handlersMu.Lock()
	c.onStatus = append(c.onStatus, h)
	c.handlersMu.Unlock()
}

func (c *Channel) OnStateChange(h func(State)) {
	if c == nil || h == nil {
		return
	}
	c.handlersMu.Lock()
	c.onState = append(c.onState, h)
	c.handlersMu.Unlock()
}

func (c *Channel) State() State {
	if c == nil {
		return StateDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) ChatID() chat.ID {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Connect opens the websocket and joins chatID. It is a no-op while a
// connection for the same chat is open or being opened.
func (c *Channel) Connect(ctx context.Context, chatID chat.ID) error {
	if c == nil {
		return errors.Wrap(ErrConnectFailed, "channel is nil")
	}
	if chatID == 0 {
		return errors.Wrap(ErrConnectFailed, "chat id is zero")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		current := c.chatID
		state := c.state
		c.mu.Unlock()
		if current == chatID {
			log.Debug().Str("component", "transport").Int64("chat_id", int64(chatID)).Str("state", state.String()).Msg("connect ignored, channel already active")
			return nil
		}
		return errors.Errorf("transport: channel is bound to chat %d", current)
	}
	c.chatID = chatID
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if changed {
		c.notifyState(StateConnecting)
	}

	conn, err := c.dial(ctx)
	if err == nil {
		err = c.join(conn, chatID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		changed = c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if changed {
			c.notifyState(StateDisconnected)
		}
		log.Warn().Err(err).Str("component", "transport").Int64("chat_id", int64(chatID)).Msg("connect failed")
		return errors.Wrapf(ErrConnectFailed, "%v", err)
	}
	gen := c.attachLocked(conn)
	c.mu.Unlock()
	c.start(conn, gen)
	log.Info().Str("component", "transport").Int64("chat_id", int64(chatID)).Msg("connected and joined chat")
	return nil
}

// Send publishes a visitor message. It never queues: without a live
// connection it fails with ErrSendUnavailable so the caller can degrade.
func (c *Channel) Send(ctx context.Context, content string) error {
	if c == nil {
		return ErrSendUnavailable
	}
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(ErrSendUnavailable, "state %s", state)
	}
	conn, chatID, gen := c.conn, c.chatID, c.gen
	c.mu.Unlock()

	frame, err := protocol.Encode(protocol.SendMessageEvent{ChatID: chatID, Content: content})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, frame); err != nil {
		c.handleDrop(gen, conn, err)
		return errors.Wrapf(ErrSendUnavailable, "write: %v", err)
	}
	return nil
}

// Close tears the channel down. Pending events are discarded and no
// callbacks run afterwards.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.dispatchDone
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s (status %d)", c.url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", c.url)
	}
	return conn, nil
}

// join writes join_chat on a fresh connection. conn is not yet visible to
// Send or Close, so no lock is held. Every transition to Connected goes
// through here, so the join is re-issued after each reconnect.
func (c *Channel) join(conn *websocket.Conn, chatID chat.ID) error {
	frame, err := protocol.Encode(protocol.JoinChatEvent{ChatID: chatID})
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "write join")
	}
	return nil
}

// attachLocked makes a joined conn the live connection and returns its
// generation.
func (c *Channel) attachLocked(conn *websocket.Conn) uint64 {
	c.gen++
	c.conn = conn
	c.setStateLocked(StateConnected)
	return c.gen
}

// start announces Connected and only then begins reading, so handlers never
// see broker events before the state change.
func (c *Channel) start(conn *websocket.Conn, gen uint64) {
	c.notifyState(StateConnected)
	go c.readLoop(conn, gen)
	if c.pingInterval > 0 {
		go c.pingLoop(conn, gen)
	}
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	if c.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, conn, err)
			return
		}
		if c.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEvent) {
				log.Debug().Err(err).Str("component", "transport").Msg("skipping unknown event")
			} else {
				log.Warn().Err(err).Str("component", "transport").Msg("dropping malformed frame")
			}
			continue
		}
		if !c.enqueue(item{event: ev}) {
			return
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		current := c.gen == gen && c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
			c.handleDrop(gen, conn, err)
			return
		}
	}
}

// handleDrop moves the channel to Disconnected if conn is still the live
// connection, and starts the reconnect loop when enabled.
func (c *Channel) handleDrop(gen uint64, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = nil
	changed := c.setStateLocked(StateDisconnected)
	startReconnect := c.reconnect.Enabled && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	chatID := c.chatID
	c.mu.Unlock()
	_ = conn.Close()

	log.Warn().Err(cause).Str("component", "transport").Int64("chat_id", int64(chatID)).Msg("connection dropped")
	if changed {
		c.notifyState(StateDisconnected)
	}
	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Channel) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; c.reconnect.Attempts <= 0 || attempt <= c.reconnect.Attempts; attempt++ {
		sleep := backoff(c.reconnect.Delay, c.reconnect.MaxDelay, attempt)
		timer := time.NewTimer(sleep)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.closed || c.state != StateDisconnected {
			// someone else (e.g. a widget reopen) already reconnected
			c.mu.Unlock()
			return
		}
		chatID := c.chatID
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.notifyState(StateConnecting)

		conn, err := c.dial(c.baseCtx)
		if err == nil {
			err = c.join(conn, chatID)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			c.notifyState(StateDisconnected)
			log.Warn().Err(err).Str("component", "transport").Int64("chat_id", int64(chatID)).
				Int("attempt", attempt).Dur("sleep", sleep).Msg("reconnect failed")
			continue
		}
		gen := c.attachLocked(conn)
		c.mu.Unlock()
		c.start(conn, gen)
		log.Info().Str("component", "transport").Int64("chat_id", int64(chatID)).Int("attempt", attempt).Msg("reconnected and re-joined chat")
		return
	}
	log.Error().Str("component", "transport").Int("attempts", c.reconnect.Attempts).Msg("giving up on reconnect")
}

// backoff is delay * 2^(attempt-1), capped at max.
func backoff(delay, max time.Duration, attempt int) time.Duration {
	sleep := delay
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= max {
			return max
		}
	}
	if sleep > max {
		return max
	}
	return sleep
}

func (c *Channel) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Channel) notifyState(s State) {
	c.enqueue(item{state: s})
}

func (c *Channel) enqueue(it item) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- it:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) dispatch() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.done:
			return
		case it := <-c.queue:
			c.deliver(it)
		}
	}
}

func (c *Channel) deliver(it item) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	switch ev := it.event.(type) {
	case nil:
		for _, h := range c.onState {
			h(it.state)
		}
	case protocol.NewMessageEvent:
		for _, h := range c.onMessage {
			h(ev.Message)
		}
	case protocol.TypingStartEvent:
		for _, h := range c.onTyping {
			h()
		}
	case protocol.StatusEvent:
		log.Debug().Str("component", "transport").Str("status", ev.Msg).Msg("broker status")
		for _, h := range c.onStatus {
			h(ev.Msg)
		}
	default:
		log.Debug().Str("component", "transport").Str("event", ev.EventName()).Msg("ignoring client-bound event")
	}
}
