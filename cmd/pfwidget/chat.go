package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/pfwidget/pkg/widget"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with support from the terminal",
		Long: "Opens the widget, prints the conversation and sends every line read from stdin.\n" +
			"Commands: /close hides the widget, /open shows it again, /quit exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newWidgetRuntime(a.settings)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("widget shutdown")
				}
			}()
			return runChat(cmd.Context(), rt.controller, cmd.InOrStdin(), newPrinter(cmd.OutOrStdout()), a.settings.Greeting)
		},
	}
}

// runChat drives the controller from line-oriented input until /quit, EOF
// or ctx cancellation.
func runChat(ctx context.Context, c *widget.Controller, in io.Reader, p *printer, greeting string) error {
	c.OnEntry(p.entry)
	c.OnTyping(p.typing)
	c.OnBanner(p.banner)

	open := func() {
		if err := c.Open(ctx); err != nil {
			log.Debug().Err(err).Msg("open failed")
			return
		}
		if greeting != "" && len(c.View()) == 0 {
			p.hint(greeting)
		}
	}
	open()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && !errors.Is(err, os.ErrClosed) {
				return errors.Wrap(err, "read input")
			}
			return nil
		case line := <-lines:
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/close":
				c.Close()
				p.hint("widget closed, /open to reopen")
				continue
			case "/open":
				open()
				continue
			}
			if !c.IsOpen() {
				p.hint("widget is closed, /open first")
				continue
			}
			if err := c.Submit(ctx, line); err != nil {
				log.Debug().Err(err).Msg("submit failed")
			}
		}
	}
}
