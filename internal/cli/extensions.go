package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/app"
	"agentd/internal/extensions"
)

func buildExtensionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "extensions",
		Aliases: []string{"ext"},
		Short:   "Inspect and reload extension tools",
	}
	cmd.AddCommand(buildExtensionsListCommand(opts))
	cmd.AddCommand(buildExtensionsReloadCommand(opts))
	return cmd
}

func buildExtensionsListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Discover extensions locally and print the resulting tool set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(commandContext(cmd), opts.configPath, func(a *app.App) error {
				v := a.Registry().Active()
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(v.Report())
				}
				return writeToolTable(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the reload report as JSON")
	return cmd
}

func writeToolTable(out io.Writer, v *extensions.Version) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "TOOL\tUNIT\tEXECUTOR\tDESCRIPTION\n")
	for _, d := range v.Tools() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Unit, d.Executor.Kind, d.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, f := range v.Report().FailedUnits {
		_, _ = fmt.Fprintf(out, "failed unit %s: %s\n", f.Unit, f.Reason)
	}
	if ex := v.ExcludedUnits(); len(ex) > 0 {
		_, _ = fmt.Fprintf(out, "excluded units: %s\n", strings.Join(ex, ", "))
	}
	return nil
}

func buildExtensionsReloadCommand(opts *rootOptions) *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" || token == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				if server == "" {
					server = "http://" + cfg.Admin.Addr
				}
				if token == "" {
					token = cfg.Admin.Token
				}
			}
			rep, err := remoteReload(cmd, server, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d: %d tools, %d units loaded, %d failed\n",
				rep.Version, len(rep.ToolNames), len(rep.LoadedUnits), len(rep.FailedUnits))
			for _, f := range rep.FailedUnits {
				fmt.Fprintf(cmd.OutOrStdout(), "failed unit %s: %s\n", f.Unit, f.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "admin API base URL (default: http://<admin.addr>)")
	cmd.Flags().StringVar(&token, "token", "", "admin token (default: admin.token or EXTENSIONS_ADMIN_TOKEN)")
	return cmd
}

func remoteReload(cmd *cobra.Command, server, token string) (extensions.Report, error) {
	url := strings.TrimRight(strings.TrimSpace(server), "/") + "/extensions/reload"
	req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return extensions.Report{}, err
	}
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return extensions.Report{}, fmt.Errorf("reload request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return extensions.Report{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return extensions.Report{}, fmt.Errorf("reload failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rep extensions.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return extensions.Report{}, fmt.Errorf("decode reload report: %w", err)
	}
	return rep, nil
}
