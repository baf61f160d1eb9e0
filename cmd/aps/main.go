package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seanchatmangpt/aps/internal/app"
	"github.com/seanchatmangpt/aps/internal/config"
	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/registry"
	"github.com/seanchatmangpt/aps/internal/server"
	"github.com/seanchatmangpt/aps/internal/store"
	apssdk "github.com/seanchatmangpt/aps/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "aps",
	Short: "APS process registry CLI",
	Long: `APS coordinates agents working on shared processes.
Core concepts:
- Role ledger: one line per agent session (timestamp:role:session_id:status). The newest active line tells the next agent which role to take.
- Process: a YAML document created from the workspace template, identified by a sequence and a name (001_User_Authentication_System).
- Handoff: a message appended to a process that moves it to waiting_for_<role>.
- Status: active agents from the ledger plus every process with its resolved status.
- Operations log: every operation is recorded; view it with 'aps log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var stdout io.Writer = os.Stdout

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "", "acting role for handoffs (defaults to the latest active ledger role)")
	rootCmd.PersistentFlags().Bool("force", false, "skip status transition checks")
	rootCmd.PersistentFlags().String("server", "", "APS API base URL; when set commands go through the HTTP API")
	rootCmd.PersistentFlags().String("server-base-path", apssdk.DefaultBasePath, "API prefix the server was started with (see 'aps serve --base-path')")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("server_base_path", rootCmd.PersistentFlags().Lookup("server-base-path"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an agent session",
		Long:  "Reads the role ledger, picks a role for this session and records it. The first agent in a workspace becomes the initial role (PM by default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.InitializeAgent(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printInit(res)
				return nil
			})
		},
	}
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a new process",
		Long:  "Creates a process document from the workspace template. Words are joined with spaces; whitespace in the name becomes underscores in the process id.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.CreateProcess(ctx, name)
				if err != nil {
					return templateHint(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printCreate(res)
				return nil
			})
		},
	}
	return cmd
}

func handoffCmd() *cobra.Command {
	var from, subject, content string
	cmd := &cobra.Command{
		Use:   "handoff <process-id> <role>",
		Short: "Hand a process off to another role",
		Long:  "Appends a handoff message to the process and sets its status to waiting_for_<role>.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender := from
			if sender == "" {
				sender = viper.GetString("role")
			}
			opts := registry.HandoffOptions{
				FromRole: sender,
				Subject:  subject,
				Content:  content,
				Force:    viper.GetBool("force"),
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.Handoff(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printHandoff(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sending role (overrides --role)")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active agents and processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				rep, err := b.StatusReport(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				return nil
			})
		},
	}
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <process-id>",
		Short: "Print a process document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				detail, err := b.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				fmt.Fprintf(stdout, "# %s\n", detail.Key)
				enc := yaml.NewEncoder(stdout)
				enc.SetIndent(2)
				if err := enc.Encode(detail.Document); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
	return cmd
}

func demoCmd() *cobra.Command {
	var name, target string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through init, start, handoff and status",
		Long:  "Initializes an agent; if no process exists yet it starts one and hands it off. Finishes with the status report.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				fmt.Fprintln(stdout, "APS Command System Demonstration")
				fmt.Fprintln(stdout, strings.Repeat("=", 40))
				agent, err := b.InitializeAgent(ctx)
				if err != nil {
					return err
				}
				printInit(agent)
				fmt.Fprintln(stdout)
				// only the agent that found an empty registry starts the walkthrough process
				if agent.ProcessCount == 0 {
					created, err := b.CreateProcess(ctx, name)
					if err != nil {
						return templateHint(err)
					}
					printCreate(created)
					fmt.Fprintln(stdout)
					res, err := b.Handoff(ctx, created.ProcessID, target, registry.HandoffOptions{
						FromRole: agent.Role,
						Force:    viper.GetBool("force"),
					})
					if err != nil {
						return err
					}
					printHandoff(res)
					fmt.Fprintln(stdout)
				}
				rep, err := b.StatusReport(ctx)
				if err != nil {
					return err
				}
				printReport(rep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "User Authentication System", "process name")
	cmd.Flags().StringVar(&target, "to", "Architect_Agent", "handoff target role")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print the built-in process template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(stdout, config.DefaultTemplate)
			return err
		},
	}
	return cmd
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workspace",
		Short: "Manage the workspace",
	}
	ws.AddCommand(workspaceInitCmd())
	return ws
}

func workspaceInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write aps.yml and the default template when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wroteConfig, wroteTemplate, err := rt.InitWorkspace(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"workspace":      rt.Workspace,
						"wrote_config":   wroteConfig,
						"wrote_template": wroteTemplate,
					})
				}
				fmt.Fprintf(stdout, "Workspace: %s\n", rt.Workspace)
				fmt.Fprintf(stdout, "Config: %s\n", createdOrKept(wroteConfig, config.Path(rt.Workspace)))
				fmt.Fprintf(stdout, "Template: %s\n", createdOrKept(wroteTemplate, rt.Config.Storage.Template))
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "aps.yml holds the storage driver, role policy, logging and webhooks. Defaults apply when it is absent.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate aps.yml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Operations log",
		Long:  "Every agent initialization, process creation, handoff and status report is recorded with its payload.",
	}
	log.AddCommand(logTailCmd(), logMetricsCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := latestOperations(cmd.Context(), n, evtType, entityID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.ID, r.TS, r.Type, r.EntityID, r.Actor, r.Payload})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of operations")
	cmd.Flags().StringVar(&evtType, "type", "", "operation type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func logMetricsCmd() *cobra.Command {
	var n int
	var name string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show recorded metric samples",
		Long:  "Status reports record the active_agents and processes gauges; this lists the latest samples of one of them, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("server") != "" {
				return fmt.Errorf("log metrics reads the local workspace and does not support --server")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				samples, err := rt.Events.Metrics(ctx, name, n)
				if err != nil {
					return err
				}
				if samples == nil {
					samples = []domain.Metric{}
				}
				if viper.GetBool("json") {
					return printJSON(samples)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Name", "Value"})
				for _, m := range samples {
					tw.AppendRow(table.Row{m.ID, m.TS, m.Name, m.Value})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of samples")
	cmd.Flags().StringVar(&name, "name", "processes", "metric name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{
				Registry:  rt.Registry,
				Events:    rt.Events,
				Webhooks:  rt.Config.Webhooks,
				Workspace: rt.Workspace,
				BasePath:  basePath,
				Log:       rt.Log.With("component", "http"),
				Context:   ctx,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(stdout, "Serving APS API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", apssdk.DefaultBasePath, "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	var logOut io.Writer = io.Discard
	if viper.GetBool("verbose") {
		logOut = os.Stderr
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), logOut)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func templateHint(err error) error {
	if errors.Is(err, store.ErrTemplateMissing) {
		return fmt.Errorf("%w (run 'aps workspace init')", err)
	}
	return err
}

func createdOrKept(wrote bool, what string) string {
	if wrote {
		return "created " + what
	}
	return "kept existing " + what
}

func printInit(res registry.InitResult) {
	fmt.Fprintf(stdout, "%s activated. Session ID: %s\n", strings.ToUpper(res.Role), res.SessionID)
	fmt.Fprintf(stdout, "Current state: %s\n", res.Reason)
	fmt.Fprintf(stdout, "Assignment: %s\n", res.Assignment.Line())
	fmt.Fprintln(stdout, "Ready for tasks.")
}

func printCreate(res registry.CreateResult) {
	fmt.Fprintf(stdout, "Started process: %s\n", res.Name)
	fmt.Fprintf(stdout, "Created %s\n", res.Key)
	fmt.Fprintf(stdout, "Process ID: %s\n", res.ProcessID)
	fmt.Fprintf(stdout, "Status: %s\n", res.Status)
}

func printHandoff(res registry.HandoffResult) {
	fmt.Fprintf(stdout, "Handed off %s to %s\n", res.ProcessID, res.Message.To)
	fmt.Fprintf(stdout, "Updated %s\n", res.Key)
	fmt.Fprintf(stdout, "Status: %s -> %s\n", res.PreviousStatus, res.Status)
	fmt.Fprintf(stdout, "Message %s sent from %s to %s (%d total)\n", res.Message.ID, res.Message.From, res.Message.To, res.MessageCount)
}

func printReport(rep registry.Report) {
	fmt.Fprintln(stdout, "APS System Status")
	if !rep.LedgerAvailable {
		fmt.Fprintln(stdout, "Role ledger not found")
	}
	fmt.Fprintf(stdout, "Active Agents: %d\n", len(rep.Agents))
	if len(rep.Agents) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(stdout)
		tw.AppendHeader(table.Row{"Role", "Session", "Status", "Since"})
		for _, a := range rep.Agents {
			tw.AppendRow(table.Row{a.Role, a.SessionID, a.Status, time.Unix(a.Timestamp, 0).UTC().Format(time.RFC3339)})
		}
		tw.Render()
	}
	if rep.SkippedLines > 0 {
		fmt.Fprintf(stdout, "Skipped %d malformed ledger line(s)\n", rep.SkippedLines)
	}
	fmt.Fprintf(stdout, "Active Processes: %d\n", len(rep.Processes))
	if len(rep.Processes) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(stdout)
		tw.AppendHeader(table.Row{"Process", "Name", "Status", "Source"})
		for _, p := range rep.Processes {
			status := p.Status
			if p.ParseError != "" {
				status = "parse error: " + p.ParseError
			}
			tw.AppendRow(table.Row{p.ProcessID, p.Name, status, p.Source})
		}
		tw.Render()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
