package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export or restore preferences and the daemon configuration",
}

var backupExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Write a backup archive",
	Long: `Write a backup archive holding the local preferences and, when the
daemon is reachable, its configuration. Without a path the stored
backup_rel_path_to_zip is used, relative to backup.dir. Passwords are never
exported.

Examples:
  prefbridge backup export
  prefbridge backup export ~/prefs.tar.gz --ask-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "Restore a backup archive",
	Long: `Restore a backup archive. Local preferences are written first; the daemon
configuration is replaced when the daemon is reachable. Invalid entries are
skipped and reported.

Examples:
  prefbridge backup import --dry-run
  prefbridge backup import ~/prefs.tar.gz`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackupImport,
}

var (
	backupPassword    string
	backupAskPassword bool
	backupDryRun      bool
	backupJSON        bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)

	for _, c := range []*cobra.Command{backupExportCmd, backupImportCmd} {
		c.Flags().StringVar(&backupPassword, "password", "", "Archive password (default: stored backup_password)")
		c.Flags().BoolVar(&backupAskPassword, "ask-password", false, "Prompt for the archive password")
		c.Flags().BoolVar(&backupJSON, "json", false, "Print the result as JSON")
	}
	backupImportCmd.Flags().BoolVar(&backupDryRun, "dry-run", false, "Validate the archive without restoring it")
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	password, err := archivePassword(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	return printResult(cmd.OutOrStdout(), a.actions().Export(cmd.Context(), optionalArg(args), password), backupJSON)
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	password, err := archivePassword(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	return printResult(cmd.OutOrStdout(), a.actions().Import(cmd.Context(), optionalArg(args), password, backupDryRun), backupJSON)
}

func archivePassword(cmd *cobra.Command) (string, error) {
	if !backupAskPassword {
		return backupPassword, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-password needs an interactive terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Archive password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// printResult prints an action result and turns a failure into an error.
func printResult(w io.Writer, res actions.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, res.Message)
		if res.Path != "" && res.Success {
			fmt.Fprintf(w, "  path: %s\n", res.Path)
		}
		if report, ok := res.Data.(*backup.ImportReport); ok {
			for _, warning := range report.Warnings {
				fmt.Fprintf(w, "  warning: %s\n", warning)
			}
		}
	}
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("%s failed", res.Action)
	}
	return nil
}
