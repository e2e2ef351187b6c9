package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/pfwidget/pkg/session"
)

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation history without connecting live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openProfileStore(a.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			api, err := newAPIClient(a.settings)
			if err != nil {
				return err
			}
			externalID := session.NewIdentity(store).GetOrCreate(cmd.Context())
			_, msgs, err := api.OpenSession(cmd.Context(), externalID)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			if len(msgs) == 0 {
				p.hint("no messages yet")
				return nil
			}
			for _, m := range msgs {
				p.message(m)
			}
			return nil
		},
	}
}
