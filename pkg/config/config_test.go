package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v, err := NewViper("")
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8001", s.APIBase)
	require.Equal(t, "/ws", s.WSPath)
	require.Equal(t, "default", s.WidgetID)
	require.Equal(t, "file", s.Store)
	require.True(t, s.Reconnect.Enabled)
	require.Equal(t, 500*time.Millisecond, s.Reconnect.Delay)
	require.Equal(t, "info", s.Logging.Level)
	require.False(t, s.Redis.Enabled)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api-base: https://chat.example.com/
widget-id: shop
store: sqlite
log-level: debug
reconnect:
  attempts: 5
  delay: 1s
broker:
  reply: "pong"
`), 0o644))
	t.Setenv("PFWIDGET_WIDGET_ID", "landing")
	t.Setenv("PFWIDGET_RECONNECT_MAX_DELAY", "10s")

	v, err := NewViper(path)
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "https://chat.example.com", s.APIBase)
	require.Equal(t, "landing", s.WidgetID)
	require.Equal(t, "sqlite", s.Store)
	require.Equal(t, "debug", s.Logging.Level)
	require.Equal(t, 5, s.Reconnect.Attempts)
	require.Equal(t, time.Second, s.Reconnect.Delay)
	require.Equal(t, 10*time.Second, s.Reconnect.MaxDelay)
	require.Equal(t, "pong", s.Broker.Reply)

	p, err := s.ResolveStorePath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("landing", "profile.db"), filepath.Join(filepath.Base(filepath.Dir(p)), filepath.Base(p)))
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v, err := NewViper("")
	require.NoError(t, err)
	v.Set("api-base", "ftp://x")
	v.Set("store", "redis")
	v.Set("reconnect.delay", "-1s")
	v.Set("ws-path", "ws")

	_, err = Load(v)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	require.True(t, fields["api-base"])
	require.True(t, fields["store"])
	require.True(t, fields["reconnect.delay"])
	require.True(t, fields["ws-path"])
}
