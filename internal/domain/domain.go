package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidName       = errors.New("invalid process name")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidStatus     = errors.New("invalid process status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidProcessID  = errors.New("invalid process id")
)

const (
	AssignmentActive = "active"

	ledgerDelimiter = ":"
)

// RoleAssignment is one line of the role ledger.
type RoleAssignment struct {
	Timestamp int64  `json:"timestamp"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Status    string `json:"status" enum:"active,inactive"`
}

func (a RoleAssignment) Active() bool { return a.Status == AssignmentActive }

// Line renders the assignment in ledger form timestamp:role:session_id:status.
func (a RoleAssignment) Line() string {
	return strings.Join([]string{strconv.FormatInt(a.Timestamp, 10), a.Role, a.SessionID, a.Status}, ledgerDelimiter)
}

// ParseAssignment parses a ledger line. Fields beyond the fourth are ignored.
func ParseAssignment(line string) (RoleAssignment, error) {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, ledgerDelimiter)
	if len(parts) < 4 {
		return RoleAssignment{}, fmt.Errorf("ledger line %q: expected 4 fields, got %d", line, len(parts))
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("ledger line %q: timestamp: %w", line, err)
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return RoleAssignment{}, fmt.Errorf("ledger line %q: empty field", line)
	}
	return RoleAssignment{Timestamp: ts, Role: parts[1], SessionID: parts[2], Status: parts[3]}, nil
}

// Artifact references a file produced or consumed by a handoff.
type Artifact struct {
	Path   string `yaml:"path" json:"path"`
	Kind   string `yaml:"type" json:"type"`
	Status string `yaml:"status" json:"status"`
}

type HandoffMessage struct {
	ID        string     `yaml:"id,omitempty" json:"id,omitempty"`
	From      string     `yaml:"from" json:"from"`
	To        string     `yaml:"to" json:"to"`
	Timestamp string     `yaml:"timestamp" json:"timestamp" format:"date-time"`
	Subject   string     `yaml:"subject" json:"subject"`
	Content   string     `yaml:"content" json:"content"`
	Artifacts []Artifact `yaml:"artifacts" json:"artifacts"`
}

// ProcessRecord is the `process` object of a process document. Keys the
// template defines beyond the known ones are kept in Extra.
type ProcessRecord struct {
	Name      string           `yaml:"name" json:"name"`
	ID        string           `yaml:"id" json:"id"`
	CreatedAt string           `yaml:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt string           `yaml:"updated_at,omitempty" json:"updated_at,omitempty" format:"date-time"`
	Status    string           `yaml:"status" json:"status"`
	Messages  []HandoffMessage `yaml:"messages" json:"messages"`
	Extra     map[string]any   `yaml:",inline" json:"-"`
}

type Claim struct {
	Status string         `yaml:"status,omitempty" json:"status,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"-"`
}

// Document is the persisted shape of one process.
type Document struct {
	Process ProcessRecord  `yaml:"process" json:"process"`
	Claim   *Claim         `yaml:"claim,omitempty" json:"claim,omitempty"`
	Extra   map[string]any `yaml:",inline" json:"-"`
}

// Event is an operation record written to the events collaborator.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Payload  string `json:"payload_json"`
}

type Metric struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	TS    string  `json:"ts" format:"date-time"`
}
