// Package store persists the role ledger, the process template and the
// process documents behind the RegistryStore interface.
//
// Stores hold raw bytes; encoding and decoding is the registry's job so that
// one malformed document can be reported without failing a whole listing.
// None of the implementations serialise read-modify-write sequences: two
// writers of the same record race and the last PutProcess wins.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrLedgerUnavailable = errors.New("role ledger unavailable")
	ErrProcessNotFound   = errors.New("process not found")
	ErrTemplateMissing   = errors.New("process template missing")
	ErrInvalidKey        = errors.New("invalid process key")
)

// RawRecord is one stored process document.
type RawRecord struct {
	Key       string
	ProcessID string
	Seq       int
	Data      []byte
	// ReadErr is set by ListProcesses when this record alone could not be read.
	ReadErr error
}

type RegistryStore interface {
	// ReadLedger returns the raw ledger lines in append order, or
	// ErrLedgerUnavailable when nothing was ever appended. SQL backends
	// report an empty role_assignments table that way.
	ReadLedger(ctx context.Context) ([]string, error)
	// AppendLedger appends one line, creating the ledger if needed.
	AppendLedger(ctx context.Context, line string) error
	LoadTemplate(ctx context.Context) ([]byte, error)
	SaveTemplate(ctx context.Context, data []byte) error
	// ListProcesses returns every record ordered by key.
	ListProcesses(ctx context.Context) ([]RawRecord, error)
	GetProcess(ctx context.Context, processID string) (RawRecord, error)
	// PutProcess creates or fully replaces a record.
	PutProcess(ctx context.Context, rec RawRecord) error
	// NextSequence returns one more than the highest sequence ever stored.
	NextSequence(ctx context.Context) (int, error)
	Layout() Layout
}

// Layout names process documents <process_id>_<suffix><extension>.
type Layout struct {
	Suffix    string
	Extension string
}

func DefaultLayout() Layout {
	return Layout{Suffix: "requirements", Extension: ".aps.yaml"}
}

func (l Layout) Key(processID string) string {
	return processID + "_" + l.Suffix + l.Extension
}

// ParseKey recovers the process id and sequence from a storage key. The part
// after the last underscore is the suffix; a leading run of digits before
// the first underscore is the sequence.
func (l Layout) ParseKey(key string) (processID string, seq int, ok bool) {
	if !strings.HasSuffix(key, l.Extension) {
		return "", 0, false
	}
	base := strings.TrimSuffix(key, l.Extension)
	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return base, parseSeq(base), true
	}
	processID = base[:idx]
	return processID, parseSeq(processID), true
}

func parseSeq(processID string) int {
	head, _, _ := strings.Cut(processID, "_")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
