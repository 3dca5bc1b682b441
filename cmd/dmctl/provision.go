package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/dm-responder-go/internal/service"
)

func newProvisionCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "provision <plan.yaml>",
		Short: "Create accounts and replies from a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := service.ParseProvisionPlan(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				for _, a := range plan.Accounts {
					_, _ = fmt.Fprintf(out, "%d\t%s\t%d replies\n", a.UserID, a.Username, len(a.Replies))
				}
				return nil
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.db.Close()

			res, err := service.NewProvisioner(st.db, st.accounts, st.messages).Apply(cmd.Context(), plan)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "accounts created: %d, reused: %d, replies created: %d\n",
				res.AccountsCreated, res.AccountsReused, res.RepliesCreated)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the plan without writing")
	return cmd
}
