package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/session"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read and edit preferences",
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preferences of one or both scopes",
	Args:  cobra.NoArgs,
	RunE:  runPrefsList,
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one preference",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsGet,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value> [<key> <value>...]",
	Short: "Edit preferences",
	Long: `Edit one or more preferences. The key decides the scope: local keys are
written to the preference store, daemon keys are pushed to Syncthing.
String sets take a comma separated list.

Examples:
  prefbridge prefs set run_on_wifi false
  prefbridge prefs set wifi_ssid_whitelist "home,office"
  prefbridge prefs set device_name laptop listen_addresses "tcp://0.0.0.0:22000"`,
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return fmt.Errorf("expected key/value pairs")
		}
		return nil
	},
	RunE: runPrefsSet,
}

var (
	prefsScope   string
	prefsJSON    bool
	prefsSecrets bool
)

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsListCmd, prefsGetCmd, prefsSetCmd)

	prefsListCmd.Flags().StringVar(&prefsScope, "scope", "", "Only list one scope (local or daemon)")
	prefsListCmd.Flags().BoolVar(&prefsJSON, "json", false, "Print JSON")
	prefsListCmd.Flags().BoolVar(&prefsSecrets, "show-secrets", false, "Include password values")
}

func runPrefsList(cmd *cobra.Command, _ []string) error {
	scopes := []core.Scope{core.ScopeLocal, core.ScopeDaemon}
	if prefsScope != "" {
		scope := core.Scope(prefsScope)
		if scope != core.ScopeLocal && scope != core.ScopeDaemon {
			return fmt.Errorf("unknown scope %q", prefsScope)
		}
		scopes = []core.Scope{scope}
	}

	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	out := make(map[core.Scope]map[string]any)
	err = a.withSession(cmd.Context(), func(s *session.Session) error {
		for _, scope := range scopes {
			f, err := s.Flow(scope)
			if err != nil {
				return err
			}
			snap := core.Defaults(scope).Overlay(f.Current())
			if prefsSecrets {
				values := make(map[string]any, snap.Len())
				for k, v := range snap.Map() {
					values[k] = v.Interface()
				}
				out[scope] = values
			} else {
				out[scope] = session.PublicValues(snap)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if prefsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printPrefs(cmd.OutOrStdout(), scopes, out)
}

func printPrefs(w io.Writer, scopes []core.Scope, values map[core.Scope]map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tKEY\tVALUE")
	for _, scope := range scopes {
		keys := make([]string, 0, len(values[scope]))
		for k := range values[scope] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%v\n", scope, k, values[scope][k])
		}
	}
	return tw.Flush()
}

func runPrefsGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	entry, ok := core.Lookup(key)
	if !ok {
		return core.Validate(key, core.Value{})
	}

	a, err := openApp(cmd.Context(), entry.Scope == core.ScopeDaemon)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	return a.withSession(cmd.Context(), func(s *session.Session) error {
		f, err := s.Flow(entry.Scope)
		if err != nil {
			return err
		}
		v, ok := f.Current().Get(key)
		if !ok {
			v = entry.DefaultValue()
		}
		fmt.Fprintln(cmd.OutOrStdout(), v.String())
		return nil
	})
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	byScope := make(map[core.Scope]map[string]core.Value)
	for i := 0; i < len(args); i += 2 {
		key, raw := args[i], args[i+1]
		entry, ok := core.Lookup(key)
		if !ok {
			return core.Validate(key, core.Value{})
		}
		v, err := parseCLIValue(entry.Kind(), raw)
		if err != nil {
			return core.ErrValidation(core.CodeKindMismatch, fmt.Sprintf("%s: %v", key, err))
		}
		if byScope[entry.Scope] == nil {
			byScope[entry.Scope] = make(map[string]core.Value)
		}
		byScope[entry.Scope][key] = v
	}

	_, touchesDaemon := byScope[core.ScopeDaemon]
	a, err := openApp(cmd.Context(), touchesDaemon)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(cmd.Context()) }()

	return a.withSession(cmd.Context(), func(s *session.Session) error {
		for _, scope := range []core.Scope{core.ScopeLocal, core.ScopeDaemon} {
			values, ok := byScope[scope]
			if !ok {
				continue
			}
			if err := s.Apply(scope, values); err != nil {
				return err
			}
			for key := range values {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s updated\n", scope, key)
			}
		}
		return nil
	})
}

// parseCLIValue parses a command-line argument as kind. String sets are comma
// separated; an empty argument is the empty set.
func parseCLIValue(kind core.Kind, raw string) (core.Value, error) {
	if kind != core.KindStringSet {
		return core.ParseAs(kind, raw)
	}
	var members []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}
	return core.StringSet(members...), nil
}
