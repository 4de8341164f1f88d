package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-dev/boardsync/internal/config"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store's tables",
		Long: `Create the boards, board_collaborators and users tables in the
configured SQL store (or the S3 metadata store) if they don't exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			be, err := openBackend(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			if be.migrate == nil {
				info("Nothing to migrate for the %s store", be.driver)
				return nil
			}
			if err := be.migrate(cmd.Context()); err != nil {
				return err
			}
			success("Tables ready")
			return nil
		},
	}
}
