package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pfwidget/pkg/logging"
)

func TestBuild_InMemoryWhenDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps, err := Build(ctx, Settings{}, logging.NewWatermill(zerolog.Nop()))
	require.NoError(t, err)
	defer func() { _ = ps.Close() }()
	require.Equal(t, DefaultStream, ps.Topic)

	ch, err := ps.Subscriber.Subscribe(ctx, ps.Topic)
	require.NoError(t, err)

	go func() {
		for _, p := range []string{"a", "b", "c"} {
			_ = ps.Publisher.Publish(ps.Topic, message.NewMessage(p, []byte(p)))
		}
	}()

	var got []string
	for len(got) < 3 {
		select {
		case msg := <-ch:
			got = append(got, string(msg.Payload))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBuild_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Build(ctx, Settings{Enabled: true, Addr: "127.0.0.1:1"}, logging.NewWatermill(zerolog.Nop()))
	require.Error(t, err)
}
