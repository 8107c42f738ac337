package snapshot

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatal("expected no records from a missing snapshot file")
	}
}

func TestSaveThenOpenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agents.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := Record{
		AgentID:     "a-1",
		Project:     "proj",
		Issue:       "I-1",
		Branch:      "agent/a-1",
		WorktreeDir: "/worktrees/a-1",
		PID:         1234,
		StartedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	records := reopened.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(records))
	}
	if records[0] != rec {
		t.Fatalf("round-tripped record mismatch: got %+v, want %+v", records[0], rec)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away, not left behind")
	}
}

func TestRemoveDropsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	s, _ := Open(path)

	_ = s.Save(Record{AgentID: "a-1"})
	_ = s.Save(Record{AgentID: "a-2"})

	if err := s.Remove("a-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	records := s.Records()
	if len(records) != 1 || records[0].AgentID != "a-2" {
		t.Fatalf("expected only a-2 to remain, got %+v", records)
	}
}

func TestAliveReflectsProcessState(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep process: %v", err)
	}
	pid := cmd.Process.Pid

	if !Alive(pid) {
		t.Fatal("expected running process to be reported alive")
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	if Alive(pid) {
		t.Fatal("expected killed process to be reported dead")
	}
}
