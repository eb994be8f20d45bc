package cmd

import (
	"github.com/spf13/cobra"
)

var (
	alertsActive bool
	resolution   string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List alerts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		alerts, err := newClient().Alerts(cmd.Context(), alertsActive)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), alerts)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClient().ResolveAlert(cmd.Context(), args[0], resolution)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsActive, "active", false, "Only unresolved alerts")
	resolveCmd.Flags().StringVar(&resolution, "resolution", "", "Resolution note (defaults to the resolving user)")
	rootCmd.AddCommand(alertsCmd, resolveCmd)
}
