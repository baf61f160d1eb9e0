package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/viper"

	"github.com/seanchatmangpt/aps/internal/app"
	"github.com/seanchatmangpt/aps/internal/registry"
	apssdk "github.com/seanchatmangpt/aps/sdk/go"
)

// backend is the set of registry operations the CLI drives. The local
// registry satisfies it directly; remoteBackend goes through the HTTP API.
type backend interface {
	InitializeAgent(ctx context.Context) (registry.InitResult, error)
	CreateProcess(ctx context.Context, name string) (registry.CreateResult, error)
	Handoff(ctx context.Context, processID, targetRole string, opts registry.HandoffOptions) (registry.HandoffResult, error)
	StatusReport(ctx context.Context) (registry.Report, error)
	GetProcess(ctx context.Context, processID string) (registry.ProcessDetail, error)
}

func withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	if url := viper.GetString("server"); url != "" {
		return fn(ctx, remoteBackend{client: newRemoteClient(url)})
	}
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Registry)
	})
}

func newRemoteClient(url string) *apssdk.Client {
	c := apssdk.New(url)
	c.BasePath = viper.GetString("server_base_path")
	return c
}

type remoteBackend struct {
	client *apssdk.Client
}

func (b remoteBackend) InitializeAgent(ctx context.Context) (registry.InitResult, error) {
	res, err := b.client.InitializeAgent(ctx)
	return convert[registry.InitResult](res, err)
}

func (b remoteBackend) CreateProcess(ctx context.Context, name string) (registry.CreateResult, error) {
	res, err := b.client.CreateProcess(ctx, name)
	return convert[registry.CreateResult](res, err)
}

func (b remoteBackend) Handoff(ctx context.Context, processID, targetRole string, opts registry.HandoffOptions) (registry.HandoffResult, error) {
	res, err := b.client.Handoff(ctx, processID, targetRole, apssdk.HandoffOptions{
		FromRole: opts.FromRole,
		Subject:  opts.Subject,
		Content:  opts.Content,
		Force:    opts.Force,
	})
	return convert[registry.HandoffResult](res, err)
}

func (b remoteBackend) StatusReport(ctx context.Context) (registry.Report, error) {
	res, err := b.client.Status(ctx)
	return convert[registry.Report](res, err)
}

func (b remoteBackend) GetProcess(ctx context.Context, processID string) (registry.ProcessDetail, error) {
	res, err := b.client.GetProcess(ctx, processID)
	return convert[registry.ProcessDetail](res, err)
}

// convert maps an SDK response onto the registry type with the same JSON
// shape.
func convert[T any](v any, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode api response: %w", err)
	}
	return out, nil
}

type operationRow struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Payload  string `json:"payload"`
}

func latestOperations(ctx context.Context, n int, evtType, entityID string) ([]operationRow, error) {
	rows := []operationRow{}
	if url := viper.GetString("server"); url != "" {
		if entityID != "" {
			return nil, fmt.Errorf("--entity-id is not supported with --server")
		}
		page, err := newRemoteClient(url).EventsPage(ctx, evtType, n, "")
		if err != nil {
			return nil, err
		}
		for _, evt := range page.Items {
			payload, _ := json.Marshal(evt.Payload)
			rows = append(rows, operationRow{ID: evt.ID, TS: evt.TS, Type: evt.Type, EntityID: evt.EntityID, Actor: evt.Actor, Payload: string(payload)})
		}
		return rows, nil
	}
	err := withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		items, err := rt.Events.Latest(ctx, n, 0, evtType, entityID)
		if err != nil {
			return err
		}
		for _, evt := range items {
			rows = append(rows, operationRow{ID: evt.ID, TS: evt.TS, Type: evt.Type, EntityID: evt.EntityID, Actor: evt.Actor, Payload: evt.Payload})
		}
		return nil
	})
	return rows, err
}
