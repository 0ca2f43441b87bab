package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/robobridge/internal/store"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently used server addresses and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := load(flags)
			if err != nil {
				return err
			}
			db, err := store.New(settings.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			history, err := store.NewHistory(ctx, db)
			if err != nil {
				return err
			}
			addresses, err := history.RecentAddresses(ctx, limit)
			if err != nil {
				return err
			}
			sessions, err := history.RecentSessions(ctx, limit)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(struct {
				Addresses []store.AddressEntry  `yaml:"addresses"`
				Sessions  []store.SessionRecord `yaml:"sessions"`
			}{addresses, sessions})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum entries per list")
	return cmd
}
