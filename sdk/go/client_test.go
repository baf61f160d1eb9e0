package apssdk_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seanchatmangpt/aps/internal/app"
	"github.com/seanchatmangpt/aps/internal/server"
	apssdk "github.com/seanchatmangpt/aps/sdk/go"
)

func newClient(t *testing.T) *apssdk.Client {
	t.Helper()
	return newClientAt(t, "")
}

// newClientAt serves the API under basePath; empty means the server default.
func newClientAt(t *testing.T, basePath string) *apssdk.Client {
	t.Helper()
	ctx := context.Background()
	rt, err := app.Open(ctx, t.TempDir(), io.Discard)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	if _, _, err := rt.InitWorkspace(ctx); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	handler, err := server.New(server.Config{Registry: rt.Registry, Events: rt.Events, Workspace: rt.Workspace, BasePath: basePath})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := apssdk.New(srv.URL + "/")
	if basePath != "" {
		c.BasePath = basePath
	}
	c.HTTPClient = srv.Client()
	return c
}

func TestClientWorkflow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	agent, err := c.InitializeAgent(ctx)
	if err != nil || agent.Role != "PM" || agent.PriorState {
		t.Fatalf("init = %+v, %v", agent, err)
	}
	proc, err := c.CreateProcess(ctx, "User Auth")
	if err != nil || proc.ProcessID != "001_User_Auth" {
		t.Fatalf("create = %+v, %v", proc, err)
	}
	hand, err := c.Handoff(ctx, proc.ProcessID, "Architect", apssdk.HandoffOptions{Subject: "Design please"})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if hand.Status != "waiting_for_architect" || hand.Message.Subject != "Design please" || hand.Message.From != "PM" {
		t.Fatalf("handoff = %+v", hand)
	}
	doc, err := c.GetProcess(ctx, proc.ProcessID)
	if err != nil || len(doc.Document.Process.Messages) != 1 || doc.Document.Process.Messages[0].Artifacts[0].Type != "handoff" {
		t.Fatalf("get = %+v, %v", doc, err)
	}
	rep, err := c.Status(ctx)
	if err != nil || len(rep.Agents) != 1 || len(rep.Processes) != 1 || rep.Processes[0].Source != "process.status" {
		t.Fatalf("status = %+v, %v", rep, err)
	}
	page, err := c.EventsPage(ctx, "process.handoff", 10, "")
	if err != nil || len(page.Items) != 1 || page.Items[0].Actor != "PM" {
		t.Fatalf("events = %+v, %v", page, err)
	}
	health, err := c.Health(ctx)
	if err != nil || health.Status != "healthy" || health.OperationsLogged == 0 {
		t.Fatalf("health = %+v, %v", health, err)
	}
}

func TestClientAPIError(t *testing.T) {
	c := newClient(t)
	_, err := c.Handoff(context.Background(), "001_Missing", "QA", apssdk.HandoffOptions{})
	var apiErr *apssdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestClientCustomBasePath(t *testing.T) {
	c := newClientAt(t, "/api")
	ctx := context.Background()
	if _, err := c.InitializeAgent(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	proc, err := c.CreateProcess(ctx, "Billing")
	if err != nil || proc.ProcessID != "001_Billing" {
		t.Fatalf("create = %+v, %v", proc, err)
	}
	if _, err := c.GetProcess(ctx, proc.ProcessID); err != nil {
		t.Fatalf("get: %v", err)
	}

	c.BasePath = apssdk.DefaultBasePath
	_, err = c.Status(ctx)
	var apiErr *apssdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("default prefix against /api server: %v", err)
	}
}
