package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/pfwidget/pkg/config"
	"github.com/go-go-golems/pfwidget/pkg/logging"
)

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	configFile string
	v          *viper.Viper
	settings   *config.Settings
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "pfwidget",
		Short:         "Terminal chat widget and reference broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ~/.pfwidget/config.yaml)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "auto", "log format (auto, console, json)")
	flags.String("api-base", "", "Chat API base url")
	flags.String("widget-id", "", "widget id used to scope the stored identity")

	rootCmd.AddCommand(
		newChatCmd(a),
		newSessionCmd(a),
		newHistoryCmd(a),
		newBrokerCmd(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	for _, name := range []string{"log-level", "log-format", "api-base", "widget-id"} {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(name, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	s, err := config.Load(v)
	if err != nil {
		return err
	}
	closer, err := logging.InitLogger(s.Logging)
	if err != nil {
		return err
	}
	a.v, a.settings, a.logCloser = v, s, closer
	log.Debug().Str("api_base", s.APIBase).Str("widget_id", s.WidgetID).Str("store", s.Store).Msg("configuration loaded")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
