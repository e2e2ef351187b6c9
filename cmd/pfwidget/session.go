package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/pfwidget/pkg/session"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset the stored visitor identity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the visitor identity, creating it if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, path, err := openProfileStore(a.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			token := session.NewIdentity(store).GetOrCreate(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "external_id: %s\n", token)
			fmt.Fprintf(out, "widget_id:   %s\n", a.settings.WidgetID)
			fmt.Fprintf(out, "store:       %s\n", a.settings.Store)
			if path != "" {
				fmt.Fprintf(out, "store_path:  %s\n", path)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the visitor identity; the next chat starts a new conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openProfileStore(a.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := session.NewIdentity(store).Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "identity reset")
			return nil
		},
	})
	return cmd
}
