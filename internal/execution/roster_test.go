package execution

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRosterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution_agents", "roster.json")
	r, err := OpenRoster(path)
	if err != nil {
		t.Fatalf("OpenRoster: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("roster file not created: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("roster file = %q, want []", data)
	}
	if len(r.Agents()) != 0 {
		t.Errorf("Agents() = %v", r.Agents())
	}
}

func TestRosterAddPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	r, err := OpenRoster(path)
	if err != nil {
		t.Fatalf("OpenRoster: %v", err)
	}

	for _, name := range []string{"Flights", "Hotels", "Flights"} {
		if _, err := r.Add(name); err != nil {
			t.Fatalf("Add(%q): %v", name, err)
		}
	}
	if added, _ := r.Add("Hotels"); added {
		t.Error("duplicate reported as new")
	}
	if !r.Has("Flights") || r.Has("Cars") {
		t.Error("Has reports wrong membership")
	}

	reopened, err := OpenRoster(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Agents()
	if len(got) != 2 || got[0] != "Flights" || got[1] != "Hotels" {
		t.Errorf("Agents() = %v, want [Flights Hotels]", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestRosterClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	r, _ := OpenRoster(path)
	r.Add("a")
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(r.Agents()) != 0 {
		t.Error("agents survive Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("roster file survives Clear")
	}
	if err := r.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestRosterMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRoster(path); err == nil {
		t.Error("expected error for malformed roster")
	}
}
