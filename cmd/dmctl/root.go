package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/dm-responder-go/internal/config"
	"github.com/openclaw/dm-responder-go/internal/database"
	"github.com/openclaw/dm-responder-go/internal/repository"
)

// store is opened lazily so commands that never touch the database run
// without DATABASE_URL.
type store struct {
	db       *database.DB
	accounts repository.AccountRepository
	messages repository.MessageRepository
}

func openStore(ctx context.Context) (*store, error) {
	cfg, err := config.LoadStore()
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &store{
		db:       db,
		accounts: repository.NewAccountRepository(db.DB, cfg.EncryptionKey),
		messages: repository.NewMessageRepository(db.DB),
	}, nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dmctl",
		Short:        "Operate the DM auto-responder",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newProvisionCmd(),
		newHistoryCmd(),
		newTokenCmd(),
	)

	return rootCmd
}
