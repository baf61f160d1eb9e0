package server

import (
	"encoding/json"

	"github.com/seanchatmangpt/aps/internal/domain"
)

// Request payloads

type CreateProcessRequest struct {
	Name string `json:"name" minLength:"1" example:"User Authentication System"`
}

type HandoffRequest struct {
	ToRole   string `json:"to_role" minLength:"1" example:"Architect_Agent"`
	FromRole string `json:"from_role,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Content  string `json:"content,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status           string  `json:"status" example:"healthy"`
	Timestamp        float64 `json:"timestamp"`
	OperationsLogged int64   `json:"operations_logged"`
}

type WorkResponse struct {
	Message string `json:"message" example:"Work completed"`
	File    string `json:"file"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Payload  map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		EntityID: e.EntityID,
		Actor:    e.Actor,
		Payload:  decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
