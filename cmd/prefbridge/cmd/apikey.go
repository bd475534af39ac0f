package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prefbridge/prefbridge/internal/clip"
	"github.com/prefbridge/prefbridge/internal/core"
)

var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Show the daemon's GUI API key",
	Long: `Show the API key of the running Syncthing daemon. With --copy the key is
placed on the clipboard instead: the system clipboard when available, then
the terminal (OSC52), and as a last resort a temporary file readable only by
you.`,
	Args: cobra.NoArgs,
	RunE: runAPIKey,
}

var apiKeyCopy bool

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.Flags().BoolVar(&apiKeyCopy, "copy", false, "Copy the key instead of printing it")
}

func runAPIKey(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	if !a.daemon.IsConfigLoaded() {
		return core.ErrState(core.CodeConfigNotLoaded, "daemon configuration not loaded")
	}
	key := a.daemon.APIKey()
	if key == "" {
		return core.ErrNotFound("api key", "gui")
	}

	if !apiKeyCopy {
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}

	res, err := clip.Copy(key)
	if err != nil {
		return fmt.Errorf("copying api key: %w", err)
	}
	switch res.Method {
	case clip.MethodFile:
		fmt.Fprintf(cmd.OutOrStdout(), "API key written to %s\n", res.FilePath)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "API key copied (%s)\n", res.Method)
	}
	return nil
}
