package main

import (
	"fmt"
	"sort"

	"careline/cmd/internal/escalation"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect escalation rule files",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate an escalation rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := escalation.LoadRules(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rules: %d\n", len(rs.Rules))
			for _, r := range rs.Rules {
				fmt.Fprintf(out, "  %s channels=%v\n", r.ID, r.Channels)
			}
			rosters := make([]string, 0, len(rs.Rosters))
			for name := range rs.Rosters {
				rosters = append(rosters, name)
			}
			sort.Strings(rosters)
			fmt.Fprintf(out, "rosters: %v\n", rosters)
			fmt.Fprintf(out, "contacts: %d\n", len(rs.Contacts))
			fmt.Fprintf(out, "covers emergency conversations: %t\n", rs.CoversEmergencyConversations())
			return nil
		},
	})
	return rules
}
