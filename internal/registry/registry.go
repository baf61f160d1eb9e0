package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanchatmangpt/aps/internal/config"
	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/events"
	"github.com/seanchatmangpt/aps/internal/logger"
	"github.com/seanchatmangpt/aps/internal/metrics"
	"github.com/seanchatmangpt/aps/internal/store"
)

// EventSink receives operation records. The registry never reads it back.
type EventSink interface {
	Append(ctx context.Context, evtType, entityID, actor string, payload events.Payload) error
	RecordMetric(ctx context.Context, name string, value float64) error
}

// Registry tracks role assignments and process records. It performs no
// locking of its own: concurrent handoffs on one process race and the last
// write of the whole record wins.
type Registry struct {
	Store     store.RegistryStore
	Events    EventSink
	Roles     config.RolesConfig
	Resolvers []StatusResolver
	Log       *slog.Logger
	Now       func() time.Time
}

func New(s store.RegistryStore, cfg *config.Config) Registry {
	r := Registry{
		Store:  s,
		Events: events.Nop{},
		Log:    logger.Discard(),
		Now:    time.Now,
	}
	if cfg != nil {
		r.Roles = cfg.Roles
	}
	return r
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Registry) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logger.Discard()
}

func (r Registry) resolvers() []StatusResolver {
	if len(r.Resolvers) > 0 {
		return r.Resolvers
	}
	return DefaultResolvers
}

// emit forwards an operation record. Sink failures never fail the operation.
func (r Registry) emit(ctx context.Context, evtType, entityID, actor string, payload events.Payload) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Append(ctx, evtType, entityID, actor, payload); err != nil {
		r.log().Warn("event not recorded", "type", evtType, "entity", entityID, "err", err)
	}
}

func (r Registry) metric(ctx context.Context, name string, value float64) {
	if r.Events == nil {
		return
	}
	if err := r.Events.RecordMetric(ctx, name, value); err != nil {
		r.log().Warn("metric not recorded", "name", name, "err", err)
	}
}

// SessionID names an agent session after the second it started.
func SessionID(t time.Time) string {
	return "session_" + strconv.FormatInt(t.Unix(), 10)
}

type InitResult struct {
	Role         string                `json:"role"`
	SessionID    string                `json:"session_id"`
	Reason       string                `json:"reason"`
	Assignment   domain.RoleAssignment `json:"assignment"`
	ProcessCount int                   `json:"process_count"`
	// PriorState is false when no ledger existed before this call.
	PriorState bool `json:"prior_state"`
}

// InitializeAgent picks a role for a new agent session and records it in
// the ledger. A missing ledger means no prior state; the append creates it.
func (r Registry) InitializeAgent(ctx context.Context) (InitResult, error) {
	prior := true
	if _, err := r.Store.ReadLedger(ctx); err != nil {
		if !errors.Is(err, store.ErrLedgerUnavailable) {
			return InitResult{}, err
		}
		prior = false
		r.log().Info("role ledger not found, starting fresh")
	}
	recs, err := r.Store.ListProcesses(ctx)
	if err != nil {
		return InitResult{}, fmt.Errorf("list processes: %w", err)
	}

	role := valueOr(r.Roles.Initial, domain.RolePM)
	reason := "no processes exist yet; start requirements gathering"
	if len(recs) > 0 {
		role = valueOr(r.Roles.Continuation, domain.RoleDeveloper)
		reason = fmt.Sprintf("%d process(es) exist; continue outstanding work", len(recs))
	}

	now := r.now()
	a := domain.RoleAssignment{
		Timestamp: now.Unix(),
		Role:      role,
		SessionID: SessionID(now),
		Status:    domain.AssignmentActive,
	}
	if err := r.Store.AppendLedger(ctx, a.Line()); err != nil {
		return InitResult{}, fmt.Errorf("record role assignment: %w", err)
	}
	r.log().Info("agent initialized", "role", role, "session_id", a.SessionID, "processes", len(recs))
	r.emit(ctx, events.TypeAgentInitialized, a.SessionID, role, events.Payload{"role": role, "process_count": len(recs)})
	metrics.IncAgentInitialized(role)

	return InitResult{
		Role:         role,
		SessionID:    a.SessionID,
		Reason:       reason,
		Assignment:   a,
		ProcessCount: len(recs),
		PriorState:   prior,
	}, nil
}

type CreateResult struct {
	ProcessID string `json:"process_id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CreateProcess allocates the next process id and writes a new document
// built from the template.
func (r Registry) CreateProcess(ctx context.Context, name string) (CreateResult, error) {
	name = strings.TrimSpace(name)
	if _, err := domain.ProcessID(1, name); err != nil {
		return CreateResult{}, err
	}
	seq, err := r.Store.NextSequence(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	pid, err := domain.ProcessID(seq, name)
	if err != nil {
		return CreateResult{}, err
	}
	tpl, err := r.Store.LoadTemplate(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	doc, err := decodeDocument(tpl)
	if err != nil {
		return CreateResult{}, fmt.Errorf("parse template: %w", err)
	}

	now := r.now().UTC().Format(time.RFC3339)
	doc.Process.Name = name
	doc.Process.ID = pid
	doc.Process.CreatedAt = now
	doc.Process.UpdatedAt = ""
	doc.Process.Status = domain.RequirementsGathering().String()
	doc.Process.Messages = []domain.HandoffMessage{}

	data, err := encodeDocument(doc)
	if err != nil {
		return CreateResult{}, fmt.Errorf("encode process %s: %w", pid, err)
	}
	key := r.Store.Layout().Key(pid)
	if err := r.Store.PutProcess(ctx, store.RawRecord{Key: key, ProcessID: pid, Seq: seq, Data: data}); err != nil {
		return CreateResult{}, err
	}
	r.log().Info("process created", "process_id", pid, "key", key)
	r.emit(ctx, events.TypeProcessCreated, pid, "", events.Payload{"name": name, "key": key})
	metrics.IncProcessCreated()

	return CreateResult{ProcessID: pid, Key: key, Name: name, Status: doc.Process.Status, CreatedAt: now}, nil
}

type HandoffOptions struct {
	// FromRole overrides the sender; by default it is the latest active
	// role in the ledger.
	FromRole string
	Subject  string
	Content  string
	// Force skips status transition checks.
	Force bool
}

type HandoffResult struct {
	ProcessID      string                `json:"process_id"`
	Key            string                `json:"key"`
	PreviousStatus string                `json:"previous_status"`
	Status         string                `json:"status"`
	Message        domain.HandoffMessage `json:"message"`
	MessageCount   int                   `json:"message_count"`
}

// Handoff appends a message to the process and moves it to
// waiting_for_<role>. Both changes are persisted in a single write.
func (r Registry) Handoff(ctx context.Context, processID, targetRole string, opts HandoffOptions) (HandoffResult, error) {
	if err := domain.ValidateProcessID(processID); err != nil {
		return HandoffResult{}, err
	}
	rec, err := r.Store.GetProcess(ctx, processID)
	if err != nil {
		return HandoffResult{}, err
	}
	if err := domain.ValidateRole(targetRole, r.Roles.Catalog); err != nil {
		return HandoffResult{}, err
	}
	doc, err := decodeDocument(rec.Data)
	if err != nil {
		return HandoffResult{}, &RecordParseError{Key: rec.Key, Err: err}
	}

	prev := doc.Process.Status
	next := domain.WaitingFor(targetRole)
	current, err := domain.ParseStatus(prev)
	if err != nil && !opts.Force {
		return HandoffResult{}, fmt.Errorf("process %s: %w", processID, err)
	}
	if err == nil {
		if err := domain.EnsureTransition(current, next, opts.Force); err != nil {
			return HandoffResult{}, fmt.Errorf("process %s: %w", processID, err)
		}
	}

	from := opts.FromRole
	if from == "" {
		from = r.currentRole(ctx)
	} else if err := domain.ValidateRole(from, nil); err != nil {
		return HandoffResult{}, err
	}

	now := r.now().UTC().Format(time.RFC3339)
	msg := domain.HandoffMessage{
		ID:        messageID(processID, targetRole, now, len(doc.Process.Messages)),
		From:      from,
		To:        targetRole,
		Timestamp: now,
		Subject:   valueOr(opts.Subject, "Handoff for "+processID),
		Content:   valueOr(opts.Content, "Process ready for "+targetRole+" to begin work"),
		Artifacts: []domain.Artifact{{Path: rec.Key, Kind: "handoff", Status: "ready"}},
	}
	doc.Process.Messages = append(doc.Process.Messages, msg)
	doc.Process.Status = next.String()
	doc.Process.UpdatedAt = now

	data, err := encodeDocument(doc)
	if err != nil {
		return HandoffResult{}, fmt.Errorf("encode process %s: %w", processID, err)
	}
	rec.Data = data
	if err := r.Store.PutProcess(ctx, rec); err != nil {
		return HandoffResult{}, err
	}
	r.log().Info("process handed off", "process_id", processID, "from", from, "to", targetRole, "status", doc.Process.Status)
	r.emit(ctx, events.TypeProcessHandoff, processID, from, events.Payload{
		"to": targetRole, "from_status": prev, "to_status": doc.Process.Status, "message_id": msg.ID,
	})
	metrics.IncHandoff(from, targetRole)

	return HandoffResult{
		ProcessID:      processID,
		Key:            rec.Key,
		PreviousStatus: prev,
		Status:         doc.Process.Status,
		Message:        msg,
		MessageCount:   len(doc.Process.Messages),
	}, nil
}

// currentRole is the role of the most recent active ledger entry.
func (r Registry) currentRole(ctx context.Context) string {
	lines, err := r.Store.ReadLedger(ctx)
	if err != nil {
		return domain.RoleUnassigned
	}
	for i := len(lines) - 1; i >= 0; i-- {
		a, err := domain.ParseAssignment(lines[i])
		if err == nil && a.Active() {
			return a.Role
		}
	}
	return domain.RoleUnassigned
}

func messageID(processID, to, ts string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(processID+"|"+to+"|"+ts+"|"+strconv.Itoa(n))).String()
}

type ProcessDetail struct {
	Key      string          `json:"key"`
	Document domain.Document `json:"document"`
}

// GetProcess reads and decodes a single process document.
func (r Registry) GetProcess(ctx context.Context, processID string) (ProcessDetail, error) {
	if err := domain.ValidateProcessID(processID); err != nil {
		return ProcessDetail{}, err
	}
	rec, err := r.Store.GetProcess(ctx, processID)
	if err != nil {
		return ProcessDetail{}, err
	}
	doc, err := decodeDocument(rec.Data)
	if err != nil {
		return ProcessDetail{}, &RecordParseError{Key: rec.Key, Err: err}
	}
	return ProcessDetail{Key: rec.Key, Document: doc}, nil
}

// EnsureTemplate stores the built-in template unless one exists already.
// It reports whether it wrote anything.
func (r Registry) EnsureTemplate(ctx context.Context, template string) (bool, error) {
	if _, err := r.Store.LoadTemplate(ctx); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrTemplateMissing) {
		return false, err
	}
	if _, err := decodeDocument([]byte(template)); err != nil {
		return false, fmt.Errorf("parse template: %w", err)
	}
	if err := r.Store.SaveTemplate(ctx, []byte(template)); err != nil {
		return false, err
	}
	return true, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
