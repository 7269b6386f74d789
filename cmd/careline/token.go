package main

import (
	"fmt"
	"time"

	"careline/cmd/internal/auth"

	"github.com/spf13/cobra"
)

// newTokenCmd holds development helpers. Production tokens come from the
// identity service; the server only ever needs the public key.
func newTokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Development helpers for access tokens",
	}

	tok.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new v4.public key pair as env assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, public := auth.GenerateKeyHex()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CARELINE_AUTH_PUBLIC_KEY_HEX=%s\n", public)
			fmt.Fprintf(out, "CARELINE_AUTH_SECRET_KEY_HEX=%s\n", secret)
			return nil
		},
	})

	var session string
	issue := &cobra.Command{
		Use:   "issue [user-id]",
		Short: "Issue an access token signed with CARELINE_AUTH_SECRET_KEY_HEX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := auth.LoadConfigFromEnv()
			if err != nil {
				return err
			}
			iss, err := auth.NewIssuer(cfg)
			if err != nil {
				return err
			}
			token, exp, err := iss.Issue(args[0], session, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&session, "session", "", "session id claim")
	tok.AddCommand(issue)

	return tok
}
