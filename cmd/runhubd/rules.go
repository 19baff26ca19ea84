package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flitsinc/runhub/internal/rules"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the permission rules the server would load",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "print",
			Short: "Print the effective rules as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				initial, err := loadRules(a.cfg)
				if err != nil {
					return err
				}
				data, err := rules.MarshalYAML(initial)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "eval <permission> <target>...",
			Short: "Evaluate targets against the effective rules",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				perm := rules.Permission(args[0])
				if !perm.Valid() {
					return fmt.Errorf("unknown permission %q", args[0])
				}
				initial, err := loadRules(a.cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rules.EvaluateAll(perm, args[1:], initial))
				return nil
			},
		},
	)
	return cmd
}
