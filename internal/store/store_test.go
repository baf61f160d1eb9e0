package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seanchatmangpt/aps/internal/db"
	"github.com/seanchatmangpt/aps/internal/migrate"
	"github.com/seanchatmangpt/aps/internal/store"
)

func newFileStore(t *testing.T) store.RegistryStore {
	t.Helper()
	return store.NewFileStore(t.TempDir(), ".role_assignments", "aps_template.yaml", store.DefaultLayout())
}

func newMemoryStore(t *testing.T) store.RegistryStore {
	t.Helper()
	return store.NewMemoryStore(store.DefaultLayout())
}

func newSQLiteStore(t *testing.T) store.RegistryStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewSQLStore(conn, store.DefaultLayout())
}

func TestStoreContract(t *testing.T) {
	backends := []struct {
		name string
		open func(t *testing.T) store.RegistryStore
	}{
		{name: "file", open: newFileStore},
		{name: "memory", open: newMemoryStore},
		{name: "sqlite", open: newSQLiteStore},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			runContract(t, b.open(t))
		})
	}
}

func runContract(t *testing.T, s store.RegistryStore) {
	ctx := context.Background()

	if _, err := s.ReadLedger(ctx); !errors.Is(err, store.ErrLedgerUnavailable) {
		t.Fatalf("missing ledger err = %v", err)
	}
	for _, l := range []string{"1:PM:session_1:active", "2:Developer:session_2:inactive"} {
		if err := s.AppendLedger(ctx, l); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	lines, err := s.ReadLedger(ctx)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(lines) != 2 || lines[0] != "1:PM:session_1:active" || lines[1] != "2:Developer:session_2:inactive" {
		t.Fatalf("ledger = %q", lines)
	}

	if _, err := s.LoadTemplate(ctx); !errors.Is(err, store.ErrTemplateMissing) {
		t.Fatalf("missing template err = %v", err)
	}
	if err := s.SaveTemplate(ctx, []byte("process:\n  name: \"\"\n")); err != nil {
		t.Fatalf("save template: %v", err)
	}
	tpl, err := s.LoadTemplate(ctx)
	if err != nil || string(tpl) != "process:\n  name: \"\"\n" {
		t.Fatalf("template = %q, %v", tpl, err)
	}

	seq, err := s.NextSequence(ctx)
	if err != nil || seq != 1 {
		t.Fatalf("first sequence = %d, %v", seq, err)
	}
	if _, err := s.GetProcess(ctx, "001_Missing"); !errors.Is(err, store.ErrProcessNotFound) {
		t.Fatalf("get missing err = %v", err)
	}

	layout := s.Layout()
	recs := []store.RawRecord{
		{Key: layout.Key("002_Billing"), ProcessID: "002_Billing", Seq: 2, Data: []byte("process:\n  name: Billing\n")},
		{Key: layout.Key("001_User_Auth"), ProcessID: "001_User_Auth", Seq: 1, Data: []byte("process:\n  name: User Auth\n")},
	}
	for _, rec := range recs {
		if err := s.PutProcess(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ProcessID, err)
		}
	}
	seq, err = s.NextSequence(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("next sequence = %d, %v", seq, err)
	}

	list, err := s.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ProcessID != "001_User_Auth" || list[1].ProcessID != "002_Billing" {
		t.Fatalf("list order = %+v", list)
	}

	got, err := s.GetProcess(ctx, "001_User_Auth")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key != "001_User_Auth_requirements.aps.yaml" || string(got.Data) != "process:\n  name: User Auth\n" {
		t.Fatalf("get = %+v", got)
	}
	got.Data = []byte("process:\n  name: User Auth\n  status: done\n")
	if err := s.PutProcess(ctx, got); err != nil {
		t.Fatalf("replace: %v", err)
	}
	again, err := s.GetProcess(ctx, "001_User_Auth")
	if err != nil || string(again.Data) != string(got.Data) {
		t.Fatalf("replaced = %q, %v", again.Data, err)
	}
	list, _ = s.ListProcesses(ctx)
	if len(list) != 2 {
		t.Fatalf("replace must not add records, got %d", len(list))
	}
	if _, err := s.GetProcess(ctx, "001_User"); !errors.Is(err, store.ErrProcessNotFound) {
		t.Fatalf("prefix of an id must not match, err = %v", err)
	}
}

func TestLayoutParseKey(t *testing.T) {
	l := store.DefaultLayout()
	tests := []struct {
		key string
		pid string
		seq int
		ok  bool
	}{
		{"001_User_Auth_requirements.aps.yaml", "001_User_Auth", 1, true},
		{"014_Billing_design.aps.yaml", "014_Billing", 14, true},
		{"notes.aps.yaml", "notes", 0, true},
		{"aps_template.yaml", "", 0, false},
		{".role_assignments", "", 0, false},
	}
	for _, tt := range tests {
		pid, seq, ok := l.ParseKey(tt.key)
		if pid != tt.pid || seq != tt.seq || ok != tt.ok {
			t.Errorf("ParseKey(%q) = %q,%d,%v want %q,%d,%v", tt.key, pid, seq, ok, tt.pid, tt.seq, tt.ok)
		}
	}
}

func TestFileStoreFindsOtherSuffix(t *testing.T) {
	dir := t.TempDir()
	s := store.NewFileStore(dir, ".role_assignments", "aps_template.yaml", store.DefaultLayout())
	if err := os.WriteFile(filepath.Join(dir, "003_Search_design.aps.yaml"), []byte("process:\n  name: Search\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetProcess(context.Background(), "003_Search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Key != "003_Search_design.aps.yaml" || rec.Seq != 3 {
		t.Fatalf("rec = %+v", rec)
	}
	seq, err := s.NextSequence(context.Background())
	if err != nil || seq != 4 {
		t.Fatalf("next = %d, %v", seq, err)
	}
}

func TestFileStoreLedgerSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".role_assignments"), []byte("1:PM:s1:active\n\n  \n2:QA:s2:active"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := store.NewFileStore(dir, ".role_assignments", "aps_template.yaml", store.DefaultLayout())
	lines, err := s.ReadLedger(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
}

func TestFileStoreIgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := store.NewFileStore(dir, ".role_assignments", "aps_template.yaml", store.DefaultLayout())
	for _, name := range []string{"README.md", ".aps-123.tmp", "aps_template.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.aps.yaml"), 0o755); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListProcesses(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no process documents, got %+v", list)
	}
}

func TestFileStoreRejectsKeysOutsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "ws")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(root, "001_X_requirements.aps.yaml")
	if err := os.WriteFile(outside, []byte("process:\n  name: X\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := store.NewFileStore(dir, ".role_assignments", "aps_template.yaml", store.DefaultLayout())
	ctx := context.Background()

	if _, err := s.GetProcess(ctx, "../001_X"); !errors.Is(err, store.ErrProcessNotFound) {
		t.Fatalf("get traversal err = %v", err)
	}
	for _, key := range []string{"../001_X_requirements.aps.yaml", "sub/001_X_requirements.aps.yaml", "..", ""} {
		rec := store.RawRecord{Key: key, ProcessID: "001_X", Data: []byte("overwritten\n")}
		if key == "" {
			rec.ProcessID = "../001_X"
		}
		if err := s.PutProcess(ctx, rec); !errors.Is(err, store.ErrInvalidKey) {
			t.Errorf("put %q err = %v", key, err)
		}
	}
	data, err := os.ReadFile(outside)
	if err != nil || string(data) != "process:\n  name: X\n" {
		t.Fatalf("outside file = %q, %v", data, err)
	}
}

func TestFileStoreSequenceFollowsHighestRemaining(t *testing.T) {
	dir := t.TempDir()
	s := store.NewFileStore(dir, ".role_assignments", "aps_template.yaml", store.DefaultLayout())
	ctx := context.Background()
	for _, id := range []string{"001_A", "002_B", "003_C"} {
		if err := s.PutProcess(ctx, store.RawRecord{ProcessID: id, Data: []byte("process: {}\n")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Remove(filepath.Join(dir, "003_C_requirements.aps.yaml")); err != nil {
		t.Fatal(err)
	}
	seq, err := s.NextSequence(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("next sequence after removing the highest = %d, %v", seq, err)
	}
	if err := os.Remove(filepath.Join(dir, "001_A_requirements.aps.yaml")); err != nil {
		t.Fatal(err)
	}
	seq, err = s.NextSequence(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("lower gaps are not filled, got %d, %v", seq, err)
	}
}
