package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chatapi"
	"github.com/go-go-golems/pfwidget/pkg/config"
	"github.com/go-go-golems/pfwidget/pkg/session"
	"github.com/go-go-golems/pfwidget/pkg/transport"
	"github.com/go-go-golems/pfwidget/pkg/widget"
)

func openProfileStore(s *config.Settings) (session.Store, string, error) {
	path := ""
	if s.Store != "memory" {
		p, err := s.ResolveStorePath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	store, err := session.OpenStore(s.Store, path)
	if err != nil {
		return nil, "", errors.Wrap(err, "open profile store")
	}
	return store, path, nil
}

func newAPIClient(s *config.Settings) (*chatapi.Client, error) {
	return chatapi.NewClient(s.APIBase,
		chatapi.WithTimeout(s.RequestTimeout),
		chatapi.WithDisplayName(s.DisplayName),
	)
}

func newChannel(s *config.Settings) (*transport.Channel, error) {
	wsURL, err := transport.WebsocketURL(s.APIBase, s.WSPath)
	if err != nil {
		return nil, err
	}
	return transport.NewChannel(transport.Options{
		URL:          wsURL,
		PingInterval: s.PingInterval,
		Reconnect: transport.ReconnectPolicy{
			Enabled:  s.Reconnect.Enabled,
			Attempts: s.Reconnect.Attempts,
			Delay:    s.Reconnect.Delay,
			MaxDelay: s.Reconnect.MaxDelay,
		},
	})
}

// widgetRuntime is a fully wired controller plus what must be closed with it.
type widgetRuntime struct {
	controller *widget.Controller
	channel    *transport.Channel
	store      session.Store
}

func newWidgetRuntime(s *config.Settings) (*widgetRuntime, error) {
	store, path, err := openProfileStore(s)
	if err != nil {
		return nil, err
	}
	api, err := newAPIClient(s)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ch, err := newChannel(s)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c, err := widget.New(widget.Deps{
		Identity:  session.NewIdentity(store),
		API:       api,
		Transport: ch,
	}, widget.Options{})
	if err != nil {
		_ = ch.Close()
		_ = store.Close()
		return nil, err
	}
	log.Debug().Str("store", s.Store).Str("store_path", path).Msg("widget wired")
	return &widgetRuntime{controller: c, channel: ch, store: store}, nil
}

func (r *widgetRuntime) Close() error {
	err := r.controller.Shutdown()
	if cerr := r.store.Close(); err == nil {
		err = cerr
	}
	return err
}
