package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/executor"
)

var runCmd = &cobra.Command{
	Use:   "run <action>",
	Short: "Run an operation across accounts",
	Long: `Execute a builtin operation against one or more accounts. Each account
is locked for the duration of its operation, and every run is recorded in
the operation log.

Actions:
  ping              Verify the live session by loading the home page
  open --url URL    Navigate the account's browser to a URL
  read --selector S Print the text content of a page element

Examples:
  roost run ping --all
  roost run open --account poster-01 --url https://example.com/inbox
  roost run read --accounts poster-01,poster-02 --selector "#unread-count"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("account", "", "target a single account by name or ID")
	runCmd.Flags().String("accounts", "", "comma-separated account list")
	runCmd.Flags().Bool("all", false, "target every active account")
	runCmd.Flags().Bool("sequential", false, "run accounts one at a time")
	runCmd.Flags().Bool("json", false, "output results as JSON")
	runCmd.Flags().String("url", "", "target URL (open)")
	runCmd.Flags().String("selector", "", "CSS selector (read)")
}

// navigator is the slice of the browser client the builtin actions need.
type navigator interface {
	Navigate(ctx context.Context, url string) error
	Text(ctx context.Context, sel string) (string, error)
}

func buildAction(cmd *cobra.Command, action string, baseURL string) (executor.Fn, map[string]any, error) {
	switch action {
	case "ping":
		return func(ctx context.Context, client agent.Client) (any, error) {
			nav, ok := client.(navigator)
			if !ok {
				return nil, fmt.Errorf("client does not support navigation")
			}
			if err := nav.Navigate(ctx, baseURL); err != nil {
				return nil, err
			}
			return "ok", nil
		}, nil, nil

	case "open":
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			return nil, nil, fmt.Errorf("open requires --url")
		}
		return func(ctx context.Context, client agent.Client) (any, error) {
			nav, ok := client.(navigator)
			if !ok {
				return nil, fmt.Errorf("client does not support navigation")
			}
			if err := nav.Navigate(ctx, url); err != nil {
				return nil, err
			}
			return url, nil
		}, map[string]any{"url": url}, nil

	case "read":
		sel, _ := cmd.Flags().GetString("selector")
		if sel == "" {
			return nil, nil, fmt.Errorf("read requires --selector")
		}
		return func(ctx context.Context, client agent.Client) (any, error) {
			nav, ok := client.(navigator)
			if !ok {
				return nil, fmt.Errorf("client does not support navigation")
			}
			return nav.Text(ctx, sel)
		}, map[string]any{"selector": sel}, nil

	default:
		return nil, nil, fmt.Errorf("unknown action %q", action)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	action := args[0]

	account, _ := cmd.Flags().GetString("account")
	accountList, _ := cmd.Flags().GetString("accounts")
	all, _ := cmd.Flags().GetBool("all")
	sequential, _ := cmd.Flags().GetBool("sequential")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	fn, params, err := buildAction(cmd, action, a.cfg.Site.BaseURL)
	if err != nil {
		return err
	}

	sel := executor.Selector{Ref: account, All: all}
	if accountList != "" {
		sel.Refs = strings.Split(accountList, ",")
	}

	var opts []executor.RunOption
	if sequential {
		opts = append(opts, executor.WithSequential())
	}
	if params != nil {
		opts = append(opts, executor.WithParams(params))
	}

	results := a.exec.RunMany(cmd.Context(), sel, action, fn, opts...)

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	failed := 0
	for _, res := range results {
		name := res.AccountName
		if name == "" {
			name = "-"
		}
		if res.OK() {
			fmt.Printf("%s %s: %v (%s)\n",
				activeStyle.Render("✓"), name, res.Value, res.Duration.Round(time.Millisecond))
		} else {
			failed++
			fmt.Printf("%s %s: %s\n", badStyle.Render("✗"), name, res.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(results))
	}
	return nil
}
