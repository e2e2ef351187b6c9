// Package widget is the controller behind the embeddable chat widget. It
// owns the open/closed UI state, bootstraps the visitor's chat on demand and
// wires the transport, reconciler and typing indicator together.
package widget

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/chatapi"
	"github.com/go-go-golems/pfwidget/pkg/presence"
	"github.com/go-go-golems/pfwidget/pkg/reconciler"
	"github.com/go-go-golems/pfwidget/pkg/session"
	"github.com/go-go-golems/pfwidget/pkg/transport"
)

var ErrShutdown = errors.New("widget: controller shut down")

const (
	BannerUnavailable = "Chat is unavailable right now. Please try again later."
	BannerOffline     = "Live connection lost. Replies may be delayed."
)

// Bootstrapper is the request/response side of the Chat API.
type Bootstrapper interface {
	OpenSession(ctx context.Context, externalID string) (*chat.Session, []chat.Message, error)
	SendMessage(ctx context.Context, chatID chat.ID, content string) ([]chat.Message, error)
}

// Transport is the live channel to the broker.
type Transport interface {
	Connect(ctx context.Context, chatID chat.ID) error
	Send(ctx context.Context, content string) error
	State() transport.State
	OnMessage(func(chat.Message))
	OnTyping(func())
	OnStateChange(func(transport.State))
	Close() error
}

type Deps struct {
	Identity  *session.Identity
	API       Bootstrapper
	Transport Transport
}

type Options struct {
	// DisableFallback turns off the request/response send path used while
	// the live transport is down.
	DisableFallback bool
}

type Controller struct {
	identity *session.Identity
	api      Bootstrapper
	tr       Transport
	rec      *reconciler.Reconciler
	typing   *presence.Indicator

	// bootMu serializes bootstraps so concurrent opens share one chat.
	bootMu sync.Mutex

	mu        sync.Mutex
	open      bool
	sess      *chat.Session
	banner    string
	shutdown  bool
	connected bool

	bannerMu        sync.RWMutex
	bannerListeners []func(string)
}

var _ Bootstrapper = &chatapi.Client{}

var _ Transport = &transport.Channel{}

func New(deps Deps, opts Options) (*Controller, error) {
	if deps.API == nil {
		return nil, errors.New("widget: api is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("widget: transport is required")
	}
	if deps.Identity == nil {
		deps.Identity = session.NewIdentity(session.NewMemoryStore())
	}
	c := &Controller{
		identity: deps.Identity,
		api:      deps.API,
		tr:       deps.Transport,
		typing:   presence.New(),
	}

	var fallback reconciler.FallbackFunc
	if !opts.DisableFallback {
		fallback = c.sendViaAPI
	}
	c.rec = reconciler.New(reconciler.WithSender(c.tr.Send), reconciler.WithFallback(fallback))

	c.rec.OnAppend(func(e reconciler.Entry) {
		if e.Kind == reconciler.KindError || e.Message.Role != chat.RoleVisitor {
			c.typing.Hide()
		}
	})
	c.tr.OnMessage(c.onMessage)
	c.tr.OnTyping(c.onTyping)
	c.tr.OnStateChange(c.onStateChange)
	return c, nil
}

// OnEntry registers an observer for every entry appended to the view.
func (c *Controller) OnEntry(f func(reconciler.Entry)) {
	c.rec.OnAppend(f)
}

// OnTyping registers an observer for typing indicator transitions.
func (c *Controller) OnTyping(f func(bool)) {
	c.typing.OnChange(f)
}

// OnBanner registers an observer for banner changes. An empty string means
// the banner was cleared.
func (c *Controller) OnBanner(f func(string)) {
	if f == nil {
		return
	}
	c.bannerMu.Lock()
	c.bannerListeners = append(c.bannerListeners, f)
	c.bannerMu.Unlock()
}

// Open shows the widget. The first open bootstraps the chat and connects;
// later opens reuse the session and only reconnect a dropped transport.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.open = true
	c.mu.Unlock()

	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	c.connect(ctx, sess)
	return nil
}

// Close hides the widget. The session survives.
func (c *Controller) Close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.typing.Hide()
}

// Submit sends the visitor's input. Blank input is ignored.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	hasSession := c.sess != nil
	c.mu.Unlock()

	if !hasSession {
		sess, err := c.ensureSession(ctx)
		if err == nil {
			c.connect(ctx, sess)
		} else if errors.Is(err, ErrShutdown) {
			return err
		}
		// without a session both send paths fail and the text stays visible
		// next to an error notice
	}
	return c.rec.SendOptimistic(ctx, text)
}

// Shutdown tears the widget down. Anything still in flight completes as a
// no-op.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.open = false
	c.mu.Unlock()
	c.typing.Hide()
	return c.tr.Close()
}

func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Session returns a copy of the bound chat session, or nil before bootstrap.
func (c *Controller) Session() *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	s := *c.sess
	return &s
}

func (c *Controller) View() []reconciler.Entry {
	return c.rec.View()
}

func (c *Controller) Typing() bool {
	return c.typing.Visible()
}

func (c *Controller) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// ensureSession returns the bound session, bootstrapping it on first use.
// Banner listeners run after bootMu is released so they may call Submit.
func (c *Controller) ensureSession(ctx context.Context) (*chat.Session, error) {
	sess, fresh, err := c.bootstrap(ctx)
	switch {
	case err != nil && !errors.Is(err, ErrShutdown):
		c.setBanner(BannerUnavailable)
	case fresh:
		c.clearBanner(BannerUnavailable)
	}
	return sess, err
}

// bootstrap opens the chat once. History reaches the reconciler before the
// session is published, so nothing submitted through the new session can
// land ahead of it.
func (c *Controller) bootstrap(ctx context.Context) (*chat.Session, bool, error) {
	c.bootMu.Lock()
	defer c.bootMu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, false, ErrShutdown
	}
	if c.sess != nil {
		s := c.sess
		c.mu.Unlock()
		return s, false, nil
	}
	c.mu.Unlock()

	externalID := c.identity.GetOrCreate(ctx)
	sess, history, err := c.api.OpenSession(ctx, externalID)
	if c.isShutdown() {
		return nil, false, ErrShutdown
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("external_id", externalID).Msg("chat bootstrap failed")
		return nil, false, err
	}

	if err := c.rec.LoadHistory(history); err != nil {
		// a failed send already reached the view; keep history anyway
		for _, m := range history {
			c.rec.OnIncoming(m)
		}
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, false, ErrShutdown
	}
	c.sess = sess
	c.mu.Unlock()
	log.Info().Str("component", "widget").Int64("chat_id", int64(sess.ChatID)).Int("history", len(history)).Msg("chat bootstrapped")
	return sess, true, nil
}

func (c *Controller) connect(ctx context.Context, sess *chat.Session) {
	if c.tr.State() != transport.StateDisconnected {
		return
	}
	// the banner clears on the Connected state change, not here: Connect
	// also returns nil while an attempt is still in flight
	if err := c.tr.Connect(ctx, sess.ChatID); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return
		}
		log.Warn().Err(err).Str("component", "widget").Int64("chat_id", int64(sess.ChatID)).Msg("live transport unavailable, using degraded send path")
		c.setBanner(BannerOffline)
	}
}

func (c *Controller) sendViaAPI(ctx context.Context, content string) ([]chat.Message, error) {
	c.mu.Lock()
	var chatID chat.ID
	if c.sess != nil {
		chatID = c.sess.ChatID
	}
	c.mu.Unlock()
	return c.api.SendMessage(ctx, chatID, content)
}

func (c *Controller) onMessage(m chat.Message) {
	if c.isShutdown() {
		return
	}
	c.rec.OnIncoming(m)
}

func (c *Controller) onTyping() {
	if c.isShutdown() {
		return
	}
	c.typing.Show()
}

func (c *Controller) onStateChange(s transport.State) {
	if c.isShutdown() {
		return
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = s == transport.StateConnected
	c.mu.Unlock()

	switch {
	case s == transport.StateConnected:
		c.clearBanner(BannerOffline)
	case s == transport.StateDisconnected && wasConnected:
		c.setBanner(BannerOffline)
	}
}

func (c *Controller) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Controller) setBanner(b string) {
	c.mu.Lock()
	if c.banner == b {
		c.mu.Unlock()
		return
	}
	c.banner = b
	c.mu.Unlock()
	c.fireBanner(b)
}

// clearBanner removes the banner only if it still shows b.
func (c *Controller) clearBanner(b string) {
	c.mu.Lock()
	if c.banner != b {
		c.mu.Unlock()
		return
	}
	c.banner = ""
	c.mu.Unlock()
	c.fireBanner("")
}

func (c *Controller) fireBanner(b string) {
	c.bannerMu.RLock()
	listeners := append([]func(string){}, c.bannerListeners...)
	c.bannerMu.RUnlock()
	for _, f := range listeners {
		f(b)
	}
}
