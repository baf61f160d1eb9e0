package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/events"
	"github.com/seanchatmangpt/aps/internal/metrics"
	"github.com/seanchatmangpt/aps/internal/store"
)

type ProcessEntry struct {
	Key       string `json:"key"`
	ProcessID string `json:"process_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	// Source names the resolver that produced Status.
	Source     string            `json:"source,omitempty"`
	ParseError string            `json:"parse_error,omitempty"`
	Err        *RecordParseError `json:"-"`
}

type Report struct {
	LedgerAvailable bool                    `json:"ledger_available"`
	Agents          []domain.RoleAssignment `json:"agents"`
	SkippedLines    int                     `json:"skipped_lines"`
	Processes       []ProcessEntry          `json:"processes"`
	ParseErrors     int                     `json:"parse_errors"`
}

// StatusReport lists the active agents in ledger order and every process
// with its resolved status. Malformed ledger lines are skipped and broken
// documents are reported per entry; neither fails the report.
func (r Registry) StatusReport(ctx context.Context) (Report, error) {
	rep := Report{LedgerAvailable: true, Agents: []domain.RoleAssignment{}, Processes: []ProcessEntry{}}

	lines, err := r.Store.ReadLedger(ctx)
	switch {
	case errors.Is(err, store.ErrLedgerUnavailable):
		rep.LedgerAvailable = false
	case err != nil:
		// the ledger is recoverable state; report without agents
		rep.LedgerAvailable = false
		r.log().Warn("role ledger unreadable", "err", err)
	}
	for _, line := range lines {
		a, err := domain.ParseAssignment(line)
		if err != nil {
			rep.SkippedLines++
			r.log().Debug("skipping ledger line", "err", err)
			continue
		}
		if a.Active() {
			rep.Agents = append(rep.Agents, a)
		}
	}

	recs, err := r.Store.ListProcesses(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list processes: %w", err)
	}
	for _, rec := range recs {
		entry := ProcessEntry{Key: rec.Key, ProcessID: rec.ProcessID}
		perr := rec.ReadErr
		var (
			tree map[string]any
			name string
		)
		if perr == nil {
			tree, name, perr = decodeLoose(rec.Data)
		}
		if perr != nil {
			entry.Err = &RecordParseError{Key: rec.Key, Err: perr}
			entry.ParseError = entry.Err.Error()
			entry.Status = UnknownStatus
			rep.ParseErrors++
			r.log().Warn("process document unreadable", "key", rec.Key, "err", perr)
			rep.Processes = append(rep.Processes, entry)
			continue
		}
		entry.Name = name
		entry.Status, entry.Source = ResolveStatus(tree, r.resolvers())
		rep.Processes = append(rep.Processes, entry)
	}

	r.emit(ctx, events.TypeStatusReported, "", "", events.Payload{
		"agents": len(rep.Agents), "processes": len(rep.Processes), "parse_errors": rep.ParseErrors,
	})
	r.metric(ctx, "active_agents", float64(len(rep.Agents)))
	r.metric(ctx, "processes", float64(len(rep.Processes)))
	metrics.SetProcesses(len(rep.Processes))
	metrics.AddReportParseErrors(rep.ParseErrors)
	return rep, nil
}
