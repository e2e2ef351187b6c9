package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/pfwidget/pkg/devbroker"
	"github.com/go-go-golems/pfwidget/pkg/logging"
	"github.com/go-go-golems/pfwidget/pkg/redisstream"
)

func newBrokerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the reference Chat API and websocket broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings
			ctx := cmd.Context()

			var store devbroker.Store
			if s.Broker.DB == "" {
				store = devbroker.NewInMemoryStore()
			} else {
				dsn, err := devbroker.SQLiteDSNForFile(s.Broker.DB)
				if err != nil {
					return err
				}
				sqlStore, err := devbroker.NewSQLiteStore(dsn)
				if err != nil {
					return err
				}
				store = sqlStore
			}
			defer func() { _ = store.Close() }()

			ps, err := redisstream.Build(ctx, s.Redis, logging.NewWatermill(log.Logger))
			if err != nil {
				return errors.Wrap(err, "build event bus")
			}
			defer func() { _ = ps.Close() }()

			srv, err := devbroker.New(devbroker.Options{
				Store:      store,
				PubSub:     ps,
				Responder:  devbroker.FixedReply(s.Broker.Reply),
				ReplyDelay: s.Broker.ReplyDelay,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("addr", s.Broker.Addr).
				Bool("redis", s.Redis.Enabled).
				Str("db", s.Broker.DB).
				Msg("starting reference broker")
			return srv.Run(ctx, s.Broker.Addr)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default from broker.addr)")
	cmd.Flags().String("db", "", "sqlite database file; in-memory when empty")
	cmd.Flags().Bool("redis", false, "fan events out over Redis Streams")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		// flags override the loaded settings only when given
		if f := cmd.Flags().Lookup("addr"); f.Changed {
			a.settings.Broker.Addr = f.Value.String()
		}
		if f := cmd.Flags().Lookup("db"); f.Changed {
			a.settings.Broker.DB = f.Value.String()
		}
		if f := cmd.Flags().Lookup("redis"); f.Changed {
			a.settings.Redis.Enabled = f.Value.String() == "true"
		}
		return nil
	}
	return cmd
}
