package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		userID int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent replies sent for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.db.Close()

			rows, err := st.messages.FindHistory(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			for _, h := range rows {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					h.SentAt.Format(time.RFC3339), h.MessageKey, h.ThreadID, h.PeerID)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "dashboard user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of rows")
	return cmd
}
