package widget

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/chatapi"
	"github.com/go-go-golems/pfwidget/pkg/reconciler"
	"github.com/go-go-golems/pfwidget/pkg/session"
	"github.com/go-go-golems/pfwidget/pkg/transport"
)

type fakeAPI struct {
	mu         sync.Mutex
	chatID     chat.ID
	history    []chat.Message
	openErr    error
	sendErr    error
	opens      []string
	sends      []string
	sendResult []chat.Message
}

func (f *fakeAPI) OpenSession(_ context.Context, externalID string) (*chat.Session, []chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, externalID)
	if f.openErr != nil {
		return nil, nil, errors.Wrap(chatapi.ErrBootstrapFailed, f.openErr.Error())
	}
	return &chat.Session{ChatID: f.chatID, ExternalID: externalID, Platform: chat.PlatformWeb, Status: chat.StatusAI}, f.history, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, chatID chat.ID, content string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, content)
	if f.sendErr != nil || chatID == 0 {
		return nil, errors.Wrap(chatapi.ErrSendFailed, "fake")
	}
	return f.sendResult, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	state      transport.State
	connectErr error
	// inFlight makes Connect return while the dial is still pending, as
	// the channel does during a reconnect attempt
	inFlight   bool
	connects   []chat.ID
	sent       []string
	closed     bool
	onMessage  []func(chat.Message)
	onTyping   []func()
	onState    []func(transport.State)
}

func (f *fakeTransport) Connect(_ context.Context, chatID chat.ID) error {
	f.mu.Lock()
	f.connects = append(f.connects, chatID)
	if f.connectErr != nil {
		f.mu.Unlock()
		return errors.Wrap(transport.ErrConnectFailed, f.connectErr.Error())
	}
	if f.inFlight {
		f.state = transport.StateConnecting
		f.mu.Unlock()
		f.emitState(transport.StateConnecting)
		return nil
	}
	f.state = transport.StateConnected
	f.mu.Unlock()
	f.emitState(transport.StateConnected)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateConnected {
		return transport.ErrSendUnavailable
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnMessage(h func(chat.Message))        { f.onMessage = append(f.onMessage, h) }
func (f *fakeTransport) OnTyping(h func())                     { f.onTyping = append(f.onTyping, h) }
func (f *fakeTransport) OnStateChange(h func(transport.State)) { f.onState = append(f.onState, h) }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.state = transport.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(m chat.Message) {
	for _, h := range f.onMessage {
		h(m)
	}
}

func (f *fakeTransport) typing() {
	for _, h := range f.onTyping {
		h()
	}
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.state = transport.StateDisconnected
	f.mu.Unlock()
	f.emitState(transport.StateDisconnected)
}

func (f *fakeTransport) finishConnect() {
	f.mu.Lock()
	f.state = transport.StateConnected
	f.mu.Unlock()
	f.emitState(transport.StateConnected)
}

func (f *fakeTransport) emitState(s transport.State) {
	for _, h := range f.onState {
		h(s)
	}
}

func newController(t *testing.T, api *fakeAPI, tr *fakeTransport) (*Controller, session.Store) {
	store := session.NewMemoryStore()
	c, err := New(Deps{Identity: session.NewIdentity(store), API: api, Transport: tr}, Options{})
	require.NoError(t, err)
	return c, store
}

func contents(view []reconciler.Entry) []string {
	out := make([]string, 0, len(view))
	for _, e := range view {
		out = append(out, e.Message.Content)
	}
	return out
}

func TestOpen_BootstrapsLoadsHistoryAndConnects(t *testing.T) {
	api := &fakeAPI{chatID: 42, history: []chat.Message{{ID: 1, Role: chat.RoleAgent, Content: "Welcome"}}}
	tr := &fakeTransport{}
	c, store := newController(t, api, tr)

	require.NoError(t, c.Open(context.Background()))
	require.True(t, c.IsOpen())
	require.Equal(t, chat.ID(42), c.Session().ChatID)
	require.Equal(t, []string{"Welcome"}, contents(c.View()))
	require.Equal(t, []chat.ID{42}, tr.connects)
	require.Empty(t, c.Banner())

	token, ok, err := store.Get(context.Background(), session.StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{token}, api.opens)
}

func TestReopen_ReusesSessionAndOnlyReconnectsWhenDropped(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	c.Close()
	require.False(t, c.IsOpen())
	require.NotNil(t, c.Session())

	require.NoError(t, c.Open(ctx))
	require.Len(t, api.opens, 1)
	require.Len(t, tr.connects, 1)

	tr.drop()
	require.Equal(t, BannerOffline, c.Banner())
	require.NoError(t, c.Open(ctx))
	require.Len(t, api.opens, 1)
	require.Len(t, tr.connects, 2)
	require.Empty(t, c.Banner())
}

func TestOpen_BootstrapFailureShowsBannerAndRetries(t *testing.T) {
	api := &fakeAPI{chatID: 42, openErr: errors.New("db down")}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()

	err := c.Open(ctx)
	require.True(t, errors.Is(err, chatapi.ErrBootstrapFailed))
	require.Equal(t, BannerUnavailable, c.Banner())
	require.Nil(t, c.Session())
	require.Empty(t, tr.connects)

	api.mu.Lock()
	api.openErr = nil
	api.mu.Unlock()
	require.NoError(t, c.Open(ctx))
	require.Empty(t, c.Banner())
	require.Len(t, api.opens, 2)
	require.Equal(t, api.opens[0], api.opens[1])
}

func TestOpen_ConnectFailureIsNonFatal(t *testing.T) {
	api := &fakeAPI{chatID: 42, sendResult: []chat.Message{
		{ID: 7, Role: chat.RoleVisitor, Content: "Hi"},
		{ID: 8, Role: chat.RoleAgent, Content: "Hello"},
	}}
	tr := &fakeTransport{connectErr: errors.New("refused")}
	c, _ := newController(t, api, tr)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	require.Equal(t, BannerOffline, c.Banner())

	require.NoError(t, c.Submit(ctx, "  Hi "))
	require.Equal(t, []string{"Hi"}, api.sends)
	view := c.View()
	require.Equal(t, []string{"Hi", "Hello"}, contents(view))
	require.False(t, view[0].Pending)
}

func TestSubmit_IgnoresBlankInput(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)

	require.NoError(t, c.Submit(context.Background(), "   "))
	require.Empty(t, api.opens)
	require.Empty(t, c.View())
}

func TestSubmit_BootstrapsWhenNoSession(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)

	require.NoError(t, c.Submit(context.Background(), "Hi"))
	require.Len(t, api.opens, 1)
	require.Equal(t, []chat.ID{42}, tr.connects)
	require.Equal(t, []string{"Hi"}, tr.sent)
	require.True(t, c.View()[0].Pending)
}

func TestSubmit_EverythingDownKeepsTextAndShowsError(t *testing.T) {
	api := &fakeAPI{chatID: 42, openErr: errors.New("down")}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)

	err := c.Submit(context.Background(), "Hi")
	require.True(t, errors.Is(err, reconciler.ErrSendFailed))
	view := c.View()
	require.Len(t, view, 2)
	require.Equal(t, "Hi", view[0].Message.Content)
	require.True(t, view[0].Failed)
	require.Equal(t, reconciler.KindError, view[1].Kind)
}

func TestTyping_HiddenByAgentMessageNotByVisitorEcho(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.Submit(ctx, "Hi"))

	tr.typing()
	require.True(t, c.Typing())

	tr.deliver(chat.Message{ID: 7, Role: chat.RoleVisitor, Content: "Hi"})
	require.True(t, c.Typing())

	tr.deliver(chat.Message{ID: 9, Role: chat.RoleVisitor, Content: "other tab"})
	require.True(t, c.Typing())

	tr.deliver(chat.Message{ID: 8, Role: chat.RoleOperator, Content: "Hello"})
	require.False(t, c.Typing())

	tr.typing()
	c.Close()
	require.False(t, c.Typing())
}

func TestShutdown_IgnoresLateDeliveries(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	require.True(t, tr.closed)

	tr.deliver(chat.Message{ID: 8, Role: chat.RoleAgent, Content: "late"})
	tr.typing()
	require.Empty(t, c.View())
	require.False(t, c.Typing())
	require.True(t, errors.Is(c.Open(ctx), ErrShutdown))
	require.True(t, errors.Is(c.Submit(ctx, "Hi"), ErrShutdown))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{Transport: &fakeTransport{}}, Options{})
	require.Error(t, err)
	_, err = New(Deps{API: &fakeAPI{}}, Options{})
	require.Error(t, err)
}

func TestOpen_HistoryPrecedesSubmitsRacingTheBootstrap(t *testing.T) {
	api := &fakeAPI{chatID: 42, openErr: errors.New("db down"),
		history: []chat.Message{{ID: 1, Role: chat.RoleAgent, Content: "earlier"}}}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()

	require.Error(t, c.Open(ctx))
	require.Equal(t, BannerUnavailable, c.Banner())

	api.mu.Lock()
	api.openErr = nil
	api.mu.Unlock()

	// submit from the first moment the session is observable
	submitted := false
	c.OnBanner(func(b string) {
		if b == "" && !submitted && c.Session() != nil {
			submitted = true
			require.NoError(t, c.Submit(ctx, "hi"))
		}
	})
	require.NoError(t, c.Open(ctx))
	require.True(t, submitted)
	require.Equal(t, []string{"earlier", "hi"}, contents(c.View()))
}

func TestOpen_OfflineBannerWaitsForConnected(t *testing.T) {
	api := &fakeAPI{chatID: 42}
	tr := &fakeTransport{}
	c, _ := newController(t, api, tr)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	tr.drop()
	require.Equal(t, BannerOffline, c.Banner())

	tr.mu.Lock()
	tr.inFlight = true
	tr.mu.Unlock()
	require.NoError(t, c.Open(ctx))
	require.Equal(t, transport.StateConnecting, tr.State())
	require.Equal(t, BannerOffline, c.Banner())

	tr.finishConnect()
	require.Empty(t, c.Banner())
}
