package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seanchatmangpt/aps/internal/app"
	"github.com/seanchatmangpt/aps/internal/config"
	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/registry"
	"github.com/seanchatmangpt/aps/internal/server"
)

func TestMain(m *testing.M) {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

// runCLI executes the root command with fresh flag values and returns what
// it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	defer func() { stdout = prev }()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("aps %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCLIWorkflow(t *testing.T) {
	ws := t.TempDir()
	out := mustRun(t, "-w", ws, "workspace", "init")
	if !strings.Contains(out, "created aps_template.yaml") {
		t.Fatalf("workspace init output:\n%s", out)
	}

	out = mustRun(t, "-w", ws, "init")
	if !strings.Contains(out, "PM activated") || !strings.Contains(out, "Ready for tasks.") {
		t.Fatalf("init output:\n%s", out)
	}

	out = mustRun(t, "-w", ws, "start", "User", "Auth")
	if !strings.Contains(out, "Process ID: 001_User_Auth") || !strings.Contains(out, "Status: requirements_gathering") {
		t.Fatalf("start output:\n%s", out)
	}

	out = mustRun(t, "-w", ws, "handoff", "001_User_Auth", "Architect", "--subject", "Design")
	if !strings.Contains(out, "requirements_gathering -> waiting_for_architect") {
		t.Fatalf("handoff output:\n%s", out)
	}

	out = mustRun(t, "-w", ws, "--json", "status")
	var rep registry.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if len(rep.Agents) != 1 || rep.Agents[0].Role != "PM" {
		t.Fatalf("agents = %+v", rep.Agents)
	}
	if len(rep.Processes) != 1 || rep.Processes[0].Status != "waiting_for_architect" {
		t.Fatalf("processes = %+v", rep.Processes)
	}

	out = mustRun(t, "-w", ws, "show", "001_User_Auth")
	if !strings.Contains(out, "subject: Design") || !strings.Contains(out, "status: waiting_for_architect") {
		t.Fatalf("show output:\n%s", out)
	}

	out = mustRun(t, "-w", ws, "--json", "log", "tail", "--type", "process.handoff")
	var rows []operationRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode log: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].EntityID != "001_User_Auth" {
		t.Fatalf("log rows = %+v", rows)
	}
}

func TestCLIHandoffTransitionNeedsForce(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, "-w", ws, "workspace", "init")
	mustRun(t, "-w", ws, "start", "Billing")
	path := ws + "/001_Billing_requirements.aps.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read process: %v", err)
	}
	data = bytes.Replace(data, []byte("status: requirements_gathering"), []byte("status: done"), 1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write process: %v", err)
	}

	if _, err := runCLI(t, "-w", ws, "handoff", "001_Billing", "QA"); err == nil {
		t.Fatalf("expected transition error")
	}
	out := mustRun(t, "-w", ws, "--force", "--role", "Developer", "handoff", "001_Billing", "QA")
	if !strings.Contains(out, "sent from Developer to QA") {
		t.Fatalf("forced handoff output:\n%s", out)
	}
}

func TestCLIStartWithoutTemplate(t *testing.T) {
	_, err := runCLI(t, "-w", t.TempDir(), "start", "Orphan")
	if err == nil || !strings.Contains(err.Error(), "aps workspace init") {
		t.Fatalf("err = %v", err)
	}
}

func TestCLIDemo(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, "-w", ws, "workspace", "init")
	out := mustRun(t, "-w", ws, "demo")
	for _, want := range []string{
		"PM activated",
		"Process ID: 001_User_Authentication_System",
		"waiting_for_architect_agent",
		"Active Processes: 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("demo output missing %q:\n%s", want, out)
		}
	}

	// the second agent continues as Developer and does not start a process
	out = mustRun(t, "-w", ws, "demo")
	if strings.Contains(out, "Started process") || !strings.Contains(out, "DEVELOPER activated") {
		t.Fatalf("second demo output:\n%s", out)
	}
}

func TestCLIThroughServer(t *testing.T) {
	ctx := context.Background()
	rt, err := app.Open(ctx, t.TempDir(), io.Discard)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	if _, _, err := rt.InitWorkspace(ctx); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	handler, err := server.New(server.Config{Registry: rt.Registry, Events: rt.Events, Workspace: rt.Workspace})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mustRun(t, "--server", srv.URL, "init")
	out := mustRun(t, "--server", srv.URL, "start", "Remote Work")
	if !strings.Contains(out, "001_Remote_Work") {
		t.Fatalf("start output:\n%s", out)
	}
	out = mustRun(t, "--server", srv.URL, "handoff", "001_Remote_Work", "QA")
	if !strings.Contains(out, "sent from PM to QA") {
		t.Fatalf("handoff output:\n%s", out)
	}
	if _, err := runCLI(t, "--server", srv.URL, "show", "001_Missing"); err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("show missing err = %v", err)
	}

	out = mustRun(t, "--server", srv.URL, "--json", "log", "tail", "--type", "process.created")
	var rows []operationRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil || len(rows) != 1 {
		t.Fatalf("log rows = %v, %v\n%s", rows, err, out)
	}
}

func TestCLIDemoThroughServerWithCustomRoles(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Roles.Initial = "Lead"
	cfg.Roles.Continuation = "Engineer"
	rt, err := app.OpenWithConfig(ctx, t.TempDir(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	if _, _, err := rt.InitWorkspace(ctx); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	handler, err := server.New(server.Config{Registry: rt.Registry, Events: rt.Events, Workspace: rt.Workspace, BasePath: "/api"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// the local workspace has no config; the server's roles decide
	local := t.TempDir()
	out := mustRun(t, "-w", local, "--server", srv.URL, "--server-base-path", "/api", "demo")
	for _, want := range []string{"LEAD activated", "Process ID: 001_User_Authentication_System", "sent from Lead to Architect_Agent"} {
		if !strings.Contains(out, want) {
			t.Fatalf("demo output missing %q:\n%s", want, out)
		}
	}
	out = mustRun(t, "-w", local, "--server", srv.URL, "--server-base-path", "/api", "demo")
	if !strings.Contains(out, "ENGINEER activated") || strings.Contains(out, "Process ID: 002") {
		t.Fatalf("second demo output:\n%s", out)
	}

	if _, err := runCLI(t, "--server", srv.URL, "status"); err == nil {
		t.Fatalf("default base path must not reach a server mounted at /api")
	}
}

func TestCLILogMetrics(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, "-w", ws, "workspace", "init")
	mustRun(t, "-w", ws, "start", "Billing")
	mustRun(t, "-w", ws, "status")
	mustRun(t, "-w", ws, "start", "Search")
	mustRun(t, "-w", ws, "status")

	out := mustRun(t, "-w", ws, "--json", "log", "metrics", "--name", "processes")
	var samples []domain.Metric
	if err := json.Unmarshal([]byte(out), &samples); err != nil {
		t.Fatalf("decode metrics: %v\n%s", err, out)
	}
	if len(samples) != 2 || samples[0].Value != 2 || samples[1].Value != 1 {
		t.Fatalf("samples = %+v", samples)
	}

	out = mustRun(t, "-w", ws, "log", "metrics", "--name", "active_agents", "--n", "1")
	if !strings.Contains(out, "active_agents") {
		t.Fatalf("table output:\n%s", out)
	}
	if _, err := runCLI(t, "--server", "http://127.0.0.1:1", "log", "metrics"); err == nil {
		t.Fatalf("expected --server rejection")
	}
}
