package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/dm-responder-go/internal/util"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token [token]",
		Short: "Print a bcrypt hash for API_TOKEN_HASH, generating the token when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := util.GenerateToken()
				if err != nil {
					return err
				}
				token = generated
				_, _ = fmt.Fprintf(out, "token: %s\n", token)
			}

			hash, err := util.HashPassword(token)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "API_TOKEN_HASH=%s\n", hash)
			return nil
		},
	}
}
