package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Inspect the Syncthing daemon and run maintenance actions",
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the daemon once and print its state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.close(cmd.Context()) }()

		status := syncthing.NewMonitor(a.daemon, syncthing.WithMonitorLogger(a.logger)).Poll(cmd.Context())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var daemonSupportBundleCmd = &cobra.Command{
	Use:   "support-bundle",
	Short: "Download the daemon's support bundle",
	Args:  cobra.NoArgs,
	RunE: daemonAction(func(cmd *cobra.Command, r *actions.Runner) actions.Result {
		return r.SupportBundle(cmd.Context(), supportBundleDir)
	}),
}

var daemonUndoIgnoredCmd = &cobra.Command{
	Use:   "undo-ignored",
	Short: "Forget every ignored device and folder",
	Args:  cobra.NoArgs,
	RunE: daemonAction(func(cmd *cobra.Command, r *actions.Runner) actions.Result {
		return r.UndoIgnored(cmd.Context())
	}),
}

var daemonClearVersionsCmd = &cobra.Command{
	Use:   "clear-versions",
	Short: "Delete the file versions kept in every folder",
	Args:  cobra.NoArgs,
	RunE: daemonAction(func(cmd *cobra.Command, r *actions.Runner) actions.Result {
		return r.ClearVersions(cmd.Context())
	}),
}

var daemonResetDatabaseCmd = &cobra.Command{
	Use:   "reset-database",
	Short: "Ask the daemon to reset its index database and restart",
	Args:  cobra.NoArgs,
	PreRunE: func(_ *cobra.Command, _ []string) error {
		if !daemonConfirm {
			return errors.New("resetting the database rescans every folder; pass --yes to confirm")
		}
		return nil
	},
	RunE: daemonAction(func(cmd *cobra.Command, r *actions.Runner) actions.Result {
		return r.ResetDatabase(cmd.Context())
	}),
}

var daemonUsageReportCmd = &cobra.Command{
	Use:   "usage-report",
	Short: "Print the anonymous usage report the daemon would send",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer func() { _ = a.close(cmd.Context()) }()

		res := a.actions().UsageReport(cmd.Context())
		if !res.Success {
			return printResult(cmd.ErrOrStderr(), res, false)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Data)
	},
}

var (
	supportBundleDir string
	daemonConfirm    bool
	daemonJSON       bool
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStatusCmd, daemonSupportBundleCmd, daemonUndoIgnoredCmd,
		daemonClearVersionsCmd, daemonResetDatabaseCmd, daemonUsageReportCmd)

	daemonCmd.PersistentFlags().BoolVar(&daemonJSON, "json", false, "Print action results as JSON")
	daemonSupportBundleCmd.Flags().StringVar(&supportBundleDir, "dir", ".", "Directory to write the bundle to")
	daemonResetDatabaseCmd.Flags().BoolVar(&daemonConfirm, "yes", false, "Confirm the reset")
}

// daemonAction wraps an action that needs the daemon configuration loaded.
func daemonAction(run func(cmd *cobra.Command, r *actions.Runner) actions.Result) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer func() { _ = a.close(cmd.Context()) }()

		res := run(cmd, a.actions())
		if err := printResult(cmd.OutOrStdout(), res, daemonJSON); err != nil {
			return err
		}
		if folders, ok := res.Data.([]string); ok && len(folders) > 0 && !daemonJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "  folders: %v\n", folders)
		}
		return nil
	}
}
