package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

func okSender(context.Context, string) error { return nil }

func msg(id chat.MessageID, role chat.Role, content string) chat.Message {
	return chat.Message{ID: id, Role: role, Content: content}
}

func contents(view []Entry) []string {
	out := make([]string, 0, len(view))
	for _, e := range view {
		out = append(out, e.Message.Content)
	}
	return out
}

func TestLoadHistory_SeedsViewAndProcessedSet(t *testing.T) {
	r := New()
	require.NoError(t, r.LoadHistory([]chat.Message{
		msg(1, chat.RoleVisitor, "Hi"),
		msg(2, chat.RoleAgent, "Hello"),
	}))
	require.Equal(t, []string{"Hi", "Hello"}, contents(r.View()))
	require.True(t, r.Processed(1))
	require.True(t, r.Processed(2))

	// replayed history over the live channel is discarded
	require.False(t, r.OnIncoming(msg(2, chat.RoleAgent, "Hello")))
	require.Equal(t, 2, r.Len())
}

func TestLoadHistory_OnlyOnceAndBeforeTraffic(t *testing.T) {
	r := New()
	require.NoError(t, r.LoadHistory(nil))
	require.True(t, errors.Is(r.LoadHistory(nil), ErrHistoryLoaded))

	r2 := New()
	r2.OnIncoming(msg(5, chat.RoleAgent, "hey"))
	require.True(t, errors.Is(r2.LoadHistory([]chat.Message{msg(1, chat.RoleAgent, "x")}), ErrHistoryLoaded))
}

func TestOnIncoming_DedupesByID(t *testing.T) {
	r := New()
	require.True(t, r.OnIncoming(msg(8, chat.RoleAgent, "Hello")))
	require.False(t, r.OnIncoming(msg(8, chat.RoleAgent, "Hello")))
	require.False(t, r.OnIncoming(msg(8, chat.RoleAgent, "Hello again")))
	require.Equal(t, 1, r.Len())
}

func TestSendOptimistic_EchoIsAbsorbed(t *testing.T) {
	r := New(WithSender(okSender))
	require.NoError(t, r.SendOptimistic(context.Background(), "Hi"))

	view := r.View()
	require.Len(t, view, 1)
	require.True(t, view[0].Pending)
	require.Equal(t, chat.RoleVisitor, view[0].Message.Role)
	require.Equal(t, []string{"Hi"}, r.Pending())

	require.False(t, r.OnIncoming(msg(7, chat.RoleVisitor, "Hi")))
	view = r.View()
	require.Len(t, view, 1)
	require.False(t, view[0].Pending)
	require.Equal(t, chat.MessageID(7), view[0].Message.ID)
	require.Empty(t, r.Pending())
	require.True(t, r.Processed(7))
}

func TestSendOptimistic_IdenticalContentsMatchInOrder(t *testing.T) {
	r := New(WithSender(okSender))
	ctx := context.Background()
	require.NoError(t, r.SendOptimistic(ctx, "ok"))
	require.NoError(t, r.SendOptimistic(ctx, "ok"))

	require.False(t, r.OnIncoming(msg(10, chat.RoleVisitor, "ok")))
	view := r.View()
	require.False(t, view[0].Pending)
	require.Equal(t, chat.MessageID(10), view[0].Message.ID)
	require.True(t, view[1].Pending)

	require.False(t, r.OnIncoming(msg(11, chat.RoleVisitor, "ok")))
	require.Equal(t, chat.MessageID(11), r.View()[1].Message.ID)

	// a third copy has no pending echo left and renders as new
	require.True(t, r.OnIncoming(msg(12, chat.RoleVisitor, "ok")))
	require.Equal(t, 3, r.Len())
}

func TestOnIncoming_UnmatchedVisitorMessageRendersAsNew(t *testing.T) {
	r := New(WithSender(okSender))
	require.NoError(t, r.SendOptimistic(context.Background(), "Hi"))
	// another tab of the same visitor
	require.True(t, r.OnIncoming(msg(9, chat.RoleVisitor, "from elsewhere")))
	require.Equal(t, []string{"Hi"}, r.Pending())
	require.Equal(t, []string{"Hi", "from elsewhere"}, contents(r.View()))
}

func TestOrderingKeepsInsertionPositions(t *testing.T) {
	r := New(WithSender(okSender))
	ctx := context.Background()
	require.NoError(t, r.LoadHistory([]chat.Message{msg(1, chat.RoleAgent, "Welcome")}))
	require.NoError(t, r.SendOptimistic(ctx, "Q1"))
	require.True(t, r.OnIncoming(msg(3, chat.RoleOperator, "operator here")))
	require.NoError(t, r.SendOptimistic(ctx, "Q2"))
	require.False(t, r.OnIncoming(msg(2, chat.RoleVisitor, "Q1")))
	require.False(t, r.OnIncoming(msg(4, chat.RoleVisitor, "Q2")))
	require.True(t, r.OnIncoming(msg(5, chat.RoleAgent, "A")))

	require.Equal(t, []string{"Welcome", "Q1", "operator here", "Q2", "A"}, contents(r.View()))
}

func TestSendOptimistic_FallbackReconcilesReturnedMessages(t *testing.T) {
	primary := func(context.Context, string) error { return errors.New("socket down") }
	var gotContent string
	fallback := func(_ context.Context, content string) ([]chat.Message, error) {
		gotContent = content
		return []chat.Message{
			msg(7, chat.RoleVisitor, content),
			msg(8, chat.RoleAgent, "Hello! How can I help?"),
		}, nil
	}
	r := New(WithSender(primary), WithFallback(fallback))

	require.NoError(t, r.SendOptimistic(context.Background(), "Hi"))
	require.Equal(t, "Hi", gotContent)
	view := r.View()
	require.Len(t, view, 2)
	require.False(t, view[0].Pending)
	require.Equal(t, chat.MessageID(7), view[0].Message.ID)
	require.Equal(t, chat.RoleAgent, view[1].Message.Role)

	// the same ids arriving later over the socket are duplicates
	require.False(t, r.OnIncoming(msg(7, chat.RoleVisitor, "Hi")))
	require.False(t, r.OnIncoming(msg(8, chat.RoleAgent, "Hello! How can I help?")))
	require.Equal(t, 2, r.Len())
}

func TestSendOptimistic_BothPathsFailKeepsText(t *testing.T) {
	primary := func(context.Context, string) error { return errors.New("socket down") }
	fallback := func(context.Context, string) ([]chat.Message, error) { return nil, errors.New("api down") }
	r := New(WithSender(primary), WithFallback(fallback))

	err := r.SendOptimistic(context.Background(), "Hi")
	require.True(t, errors.Is(err, ErrSendFailed))

	view := r.View()
	require.Len(t, view, 2)
	require.Equal(t, "Hi", view[0].Message.Content)
	require.True(t, view[0].Failed)
	require.False(t, view[0].Pending)
	require.Equal(t, KindError, view[1].Kind)
	require.Equal(t, SendErrorText, view[1].Message.Content)
	require.Empty(t, r.Pending())
}

func TestSendOptimistic_NoSenderConfigured(t *testing.T) {
	r := New()
	require.True(t, errors.Is(r.SendOptimistic(context.Background(), "Hi"), ErrSendFailed))
	require.True(t, errors.Is(r.SendOptimistic(context.Background(), ""), ErrEmptyMessage))
}

func TestOnAppend_ObservesEveryAppend(t *testing.T) {
	r := New(WithSender(okSender))
	var mu sync.Mutex
	var seen []string
	r.OnAppend(func(e Entry) {
		// observers may read the view without deadlocking
		_ = r.Len()
		mu.Lock()
		seen = append(seen, e.Message.Content)
		mu.Unlock()
	})

	require.NoError(t, r.LoadHistory([]chat.Message{msg(1, chat.RoleAgent, "Welcome")}))
	require.NoError(t, r.SendOptimistic(context.Background(), "Hi"))
	r.OnIncoming(msg(2, chat.RoleVisitor, "Hi"))
	r.OnIncoming(msg(3, chat.RoleAgent, "Hello"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Welcome", "Hi", "Hello"}, seen)
}

func TestConcurrentDeliveriesStayDuplicateFree(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := 1; id <= 50; id++ {
				r.OnIncoming(msg(chat.MessageID(id), chat.RoleAgent, "m"))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, r.Len())
}
