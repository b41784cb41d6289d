package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/copp1723/lane-google-sub001/internal/buildinfo"
	"github.com/copp1723/lane-google-sub001/internal/connwatch"
	"github.com/copp1723/lane-google-sub001/internal/invoke"
	"github.com/copp1723/lane-google-sub001/internal/usage"
)

// errUnhealthy is returned by healthcheck when any dependency is down.
var errUnhealthy = errors.New("one or more dependencies are unhealthy")

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "lane",
		Short:         "Conversation, invocation and store core for the campaign assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newAskCmd(flags),
		newChatCmd(flags),
		newHealthcheckCmd(flags),
		newCacheCmd(flags),
		newRateLimitCmd(flags),
		newUsageCmd(flags),
		newVersionCmd(flags),
		newInitCmd(),
	)
	return root
}

// withApp loads the configuration, builds the app and runs fn with it.
// Logs go to the command's stderr so stdout carries only results.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(a *app) error) error {
	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath, "build", buildinfo.Current())
	} else {
		logger.Debug("no config file found, using defaults")
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				svc, err := a.requireAssistant()
				if err != nil {
					return err
				}
				id := conversationID
				if id == "" {
					id = "cli-" + uuid.NewString()
				}

				reply, err := svc.Reply(cmd.Context(), id, strings.Join(args, " "))
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), invoke.UserMessage(err))
					return fmt.Errorf("ask: %w", err)
				}

				if flags.output == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]string{
						"conversation_id": id,
						"reply":           reply,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue (default: a new one)")
	return cmd
}

func newChatCmd(flags *rootFlags) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation over stdin, one message per line",
		Long: `Reads one message per line from stdin and prints each reply.
Lines starting with / are commands:
  /stats   show conversation and dependency status
  /quit    end the session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				svc, err := a.requireAssistant()
				if err != nil {
					return err
				}
				id := conversationID
				if id == "" {
					id = "chat-" + uuid.NewString()
				}

				watch := connwatch.NewManager(a.logger)
				defer watch.Stop()
				for _, t := range healthTargets(a) {
					watch.Watch(cmd.Context(), connwatch.WatcherConfig{Target: t})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "conversation %s\n", id)

				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					switch {
					case line == "":
						continue
					case line == "/quit" || line == "/exit":
						return nil
					case line == "/stats":
						printChatStats(out, a, id, watch.Status())
						continue
					}

					reply, err := svc.Reply(cmd.Context(), id, line)
					if err != nil {
						if cmd.Context().Err() != nil {
							return nil
						}
						fmt.Fprintln(out, invoke.UserMessage(err))
						continue
					}
					fmt.Fprintln(out, reply)
				}
				return scanner.Err()
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue (default: a new one)")
	return cmd
}

func printChatStats(w io.Writer, a *app, id string, deps []connwatch.ServiceStatus) {
	fmt.Fprintf(w, "tokens retained: %.0f of %d\n", a.conversations.TokenCount(id), a.cfg.Context.TokenBudget)
	for _, s := range deps {
		state := "up"
		if !s.Ready {
			state = "down"
		}
		fmt.Fprintf(w, "%s: %s\n", s.Name, state)
	}
}

// healthTargets lists the dependencies worth probing: the remote store
// when one is configured, and every chat provider.
func healthTargets(a *app) []connwatch.Target {
	var targets []connwatch.Target
	if a.remote != nil {
		targets = append(targets, connwatch.Target{Name: "store", Probe: a.store.Ping})
	}
	if a.multi != nil {
		for _, name := range a.multi.Providers() {
			c, _ := a.multi.Provider(name)
			targets = append(targets, connwatch.Target{Name: name, Probe: c.Ping})
		}
	}
	return targets
}

func newHealthcheckCmd(flags *rootFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the key-value store and chat providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				backend, _ := a.store.Active(cmd.Context())
				statuses := connwatch.Check(cmd.Context(), timeout, healthTargets(a)...)

				healthy := true
				for _, s := range statuses {
					healthy = healthy && s.Ready
				}

				if flags.output == "json" {
					if err := writeJSON(cmd.OutOrStdout(), map[string]any{
						"healthy":       healthy,
						"store_backend": backend,
						"dependencies":  statuses,
					}); err != nil {
						return err
					}
				} else {
					renderHealth(cmd.OutOrStdout(), backend, statuses)
				}

				if !healthy {
					return errUnhealthy
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-dependency probe timeout")
	return cmd
}

// renderHealth writes a styled health report. Styles degrade to plain
// text when w is not a terminal.
func renderHealth(w io.Writer, backend string, statuses []connwatch.ServiceStatus) {
	r := lipgloss.NewRenderer(w)
	var (
		title = r.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
		ok    = r.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
		bad   = r.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
		dim   = r.NewStyle().Foreground(lipgloss.Color("240"))
	)

	fmt.Fprintln(w, title.Render("lane health"))
	fmt.Fprintf(w, "store backend: %s\n", backend)
	if len(statuses) == 0 {
		fmt.Fprintln(w, dim.Render("no remote dependencies configured"))
		return
	}
	for _, s := range statuses {
		latency := dim.Render(s.Latency.Round(time.Millisecond).String())
		if s.Ready {
			fmt.Fprintf(w, "%s %s %s\n", ok.Render("ok"), s.Name, latency)
			continue
		}
		fmt.Fprintf(w, "%s %s %s %s\n", bad.Render("down"), s.Name, latency, s.LastError)
	}
}

func newCacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Delete cached entries whose key matches pattern (e.g. completion:*)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				n, err := a.cache.Invalidate(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("invalidate %q: %w", args[0], err)
				}
				if flags.output == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"pattern": args[0], "removed": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	})
	return cmd
}

func newRateLimitCmd(flags *rootFlags) *cobra.Command {
	var (
		limit  int
		window time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect rate limits",
	}
	check := &cobra.Command{
		Use:   "check <key>",
		Short: "Count one call against key and report whether it is allowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				l, w := limit, window
				if l <= 0 {
					l = a.cfg.RateLimit.Limit
				}
				if w <= 0 {
					w = a.cfg.RateLimit.Window.D()
				}
				allowed := a.limiter.IsAllowed(cmd.Context(), args[0], l, w)

				if flags.output == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"key": args[0], "allowed": allowed, "limit": l, "window": w.String(),
					})
				}
				verdict := "allowed"
				if !allowed {
					verdict = "denied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (limit %d per %s)\n", args[0], verdict, l, w)
				return nil
			})
		},
	}
	check.Flags().IntVar(&limit, "limit", 0, "calls per window (default: rate_limit.limit)")
	check.Flags().DurationVar(&window, "window", 0, "window length (default: rate_limit.window)")
	cmd.AddCommand(check)
	return cmd
}

func newUsageCmd(flags *rootFlags) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded token usage and cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				end := time.Now()
				start := end.Add(-since)

				total, err := a.usage.Summary(start, end)
				if err != nil {
					return err
				}
				byModel, err := a.usage.SummaryByModel(start, end)
				if err != nil {
					return err
				}
				byOutcome, err := a.usage.SummaryByOutcome(start, end)
				if err != nil {
					return err
				}

				if flags.output == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"since":      start.UTC().Format(time.RFC3339),
						"total":      total,
						"by_model":   byModel,
						"by_outcome": byOutcome,
					})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "usage since %s\n", start.Format(time.RFC3339))
				printSummary(out, "total", total)
				for _, k := range slices.Sorted(maps.Keys(byModel)) {
					printSummary(out, "model "+k, byModel[k])
				}
				for _, k := range slices.Sorted(maps.Keys(byOutcome)) {
					printSummary(out, "outcome "+k, byOutcome[k])
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to summarize")
	return cmd
}

func printSummary(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "  %-28s %6d calls %6d attempts %9d in %9d out  $%.4f\n",
		label, s.TotalRecords, s.TotalAttempts, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
}

func newVersionCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := buildinfo.Current()
			if flags.output == "json" {
				return writeJSON(cmd.OutOrStdout(), b)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, b)
			fmt.Fprintf(w, "  go_version:  %s\n", b.GoVersion)
			fmt.Fprintf(w, "  platform:    %s/%s\n", b.OS, b.Arch)
			return nil
		},
	}
}
