package widget

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/chatapi"
	"github.com/go-go-golems/pfwidget/pkg/devbroker"
	"github.com/go-go-golems/pfwidget/pkg/logging"
	"github.com/go-go-golems/pfwidget/pkg/redisstream"
	"github.com/go-go-golems/pfwidget/pkg/session"
	"github.com/go-go-golems/pfwidget/pkg/transport"
)

const brokerReply = "Hello! How can I help?"

func startDevBroker(t *testing.T) *httptest.Server {
	t.Helper()
	ps, err := redisstream.Build(context.Background(), redisstream.Settings{}, logging.NewWatermill(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	srv, err := devbroker.New(devbroker.Options{
		Store:      devbroker.NewInMemoryStore(),
		PubSub:     ps,
		Responder:  devbroker.FixedReply(brokerReply),
		ReplyDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newLiveController(t *testing.T, baseURL string, store session.Store) (*Controller, *transport.Channel) {
	t.Helper()
	api, err := chatapi.NewClient(baseURL)
	require.NoError(t, err)
	wsURL, err := transport.WebsocketURL(baseURL, "")
	require.NoError(t, err)
	ch, err := transport.NewChannel(transport.Options{URL: wsURL})
	require.NoError(t, err)

	c, err := New(Deps{Identity: session.NewIdentity(store), API: api, Transport: ch}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, ch
}

func TestEndToEnd_FirstMessageRoundTrip(t *testing.T) {
	ts := startDevBroker(t)
	store := session.NewMemoryStore()
	c, ch := newLiveController(t, ts.URL, store)
	ctx := context.Background()

	var mu sync.Mutex
	var typingSeen []bool
	c.OnTyping(func(v bool) {
		mu.Lock()
		typingSeen = append(typingSeen, v)
		mu.Unlock()
	})

	require.NoError(t, c.Open(ctx))
	sess := c.Session()
	require.NotNil(t, sess)
	require.NotZero(t, sess.ChatID)
	require.Empty(t, c.View())

	token, ok, err := store.Get(ctx, session.StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, session.IsValidToken(token))
	require.Equal(t, token, sess.ExternalID)

	require.Eventually(t, func() bool { return ch.State() == transport.StateConnected }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, sess.ChatID, ch.ChatID())

	require.NoError(t, c.Submit(ctx, "Hi"))
	view := c.View()
	require.Len(t, view, 1)
	require.Equal(t, "Hi", view[0].Message.Content)

	require.Eventually(t, func() bool {
		v := c.View()
		return len(v) == 2 && !v[0].Pending && v[1].Message.Content == brokerReply
	}, 3*time.Second, 10*time.Millisecond)

	view = c.View()
	require.Equal(t, chat.RoleVisitor, view[0].Message.Role)
	require.NotZero(t, view[0].Message.ID)
	require.Equal(t, chat.RoleAgent, view[1].Message.Role)
	require.Greater(t, view[1].Message.ID, view[0].Message.ID)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(typingSeen) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.False(t, c.Typing())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, typingSeen)
}

func TestEndToEnd_ReturningVisitorSeesHistory(t *testing.T) {
	ts := startDevBroker(t)
	store := session.NewMemoryStore()
	ctx := context.Background()

	first, _ := newLiveController(t, ts.URL, store)
	require.NoError(t, first.Open(ctx))
	require.NoError(t, first.Submit(ctx, "Hi"))
	require.Eventually(t, func() bool { return len(first.View()) == 2 }, 3*time.Second, 10*time.Millisecond)
	chatID := first.Session().ChatID
	require.NoError(t, first.Shutdown())

	second, _ := newLiveController(t, ts.URL, store)
	require.NoError(t, second.Open(ctx))
	require.Equal(t, chatID, second.Session().ChatID)
	require.Equal(t, []string{"Hi", brokerReply}, contents(second.View()))
}
