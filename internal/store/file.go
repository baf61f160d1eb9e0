package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps state as flat files in one directory: an append-only
// ledger text file, a YAML template and one YAML document per process.
type FileStore struct {
	Dir          string
	LedgerName   string
	TemplateName string
	layout       Layout
}

func NewFileStore(dir, ledgerName, templateName string, layout Layout) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{Dir: dir, LedgerName: ledgerName, TemplateName: templateName, layout: layout}
}

func (s *FileStore) Layout() Layout { return s.layout }

func (s *FileStore) path(name string) string { return filepath.Join(s.Dir, name) }

// validKey reports whether key names a file directly inside Dir.
func validKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return filepath.Base(key) == key && !strings.ContainsAny(key, `/\`)
}

func (s *FileStore) ReadLedger(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path(s.LedgerName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrLedgerUnavailable
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *FileStore) AppendLedger(ctx context.Context, line string) error {
	f, err := os.OpenFile(s.path(s.LedgerName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	return f.Close()
}

func (s *FileStore) LoadTemplate(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path(s.TemplateName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateMissing, s.path(s.TemplateName))
		}
		return nil, fmt.Errorf("read template: %w", err)
	}
	return data, nil
}

func (s *FileStore) SaveTemplate(ctx context.Context, data []byte) error {
	return writeFileAtomic(s.Dir, s.TemplateName, data)
}

func (s *FileStore) ListProcesses(ctx context.Context) ([]RawRecord, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []RawRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pid, seq, ok := s.layout.ParseKey(e.Name())
		if !ok {
			continue
		}
		rec := RawRecord{Key: e.Name(), ProcessID: pid, Seq: seq}
		rec.Data, rec.ReadErr = os.ReadFile(s.path(e.Name()))
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) GetProcess(ctx context.Context, processID string) (RawRecord, error) {
	key := s.layout.Key(processID)
	if !validKey(key) {
		return RawRecord{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	data, err := os.ReadFile(s.path(key))
	if err == nil {
		_, seq, _ := s.layout.ParseKey(key)
		return RawRecord{Key: key, ProcessID: processID, Seq: seq, Data: data}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return RawRecord{}, fmt.Errorf("read process %s: %w", processID, err)
	}
	// documents written with another suffix
	recs, err := s.ListProcesses(ctx)
	if err != nil {
		return RawRecord{}, err
	}
	for _, rec := range recs {
		if rec.ProcessID != processID {
			continue
		}
		if rec.ReadErr != nil {
			return RawRecord{}, fmt.Errorf("read process %s: %w", processID, rec.ReadErr)
		}
		return rec, nil
	}
	return RawRecord{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
}

func (s *FileStore) PutProcess(ctx context.Context, rec RawRecord) error {
	if rec.Key == "" {
		rec.Key = s.layout.Key(rec.ProcessID)
	}
	if !validKey(rec.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, rec.Key)
	}
	return writeFileAtomic(s.Dir, rec.Key, rec.Data)
}

func (s *FileStore) NextSequence(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("scan processes: %w", err)
	}
	max := 0
	for _, e := range entries {
		if _, seq, ok := s.layout.ParseKey(e.Name()); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// writeFileAtomic replaces dir/name via a temp file and rename so readers
// see either the old or the new document.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".aps-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
