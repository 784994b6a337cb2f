package classifier

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTaxonomyValid(t *testing.T) {
	tx := DefaultTaxonomy()
	for _, name := range []string{"personal", "work", "finance", "add-contact", "schedule-meeting"} {
		if !tx.Valid(name) {
			t.Errorf("expected %q to be a valid default taxonomy tag", name)
		}
	}
	if tx.Valid("bogus") {
		t.Error("expected 'bogus' to be invalid")
	}
}

func TestLoadTaxonomyMissingFileFallsBack(t *testing.T) {
	tx, err := LoadTaxonomy(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Valid("personal") {
		t.Error("expected fallback to DefaultTaxonomy")
	}
}

func TestLoadTaxonomyEmptyPathFallsBack(t *testing.T) {
	tx, err := LoadTaxonomy("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Valid("work") {
		t.Error("expected fallback to DefaultTaxonomy")
	}
}

func TestLoadTaxonomyCustom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.json")
	content := `{"tags":{"urgent":"needs immediate attention","routine":"no action needed"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write taxonomy file: %v", err)
	}

	tx, err := LoadTaxonomy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Valid("urgent") || !tx.Valid("routine") {
		t.Errorf("expected custom tags to load, got %v", tx.Tags)
	}
	if tx.Valid("personal") {
		t.Error("expected default tags to be replaced, not merged")
	}
}

func TestLoadTaxonomyMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write taxonomy file: %v", err)
	}
	if _, err := LoadTaxonomy(path); err == nil {
		t.Error("expected an error for malformed taxonomy JSON")
	}
}

func TestPromptLinesSorted(t *testing.T) {
	tx := &Taxonomy{Tags: map[string]string{"zeta": "last", "alpha": "first"}}
	lines := tx.PromptLines()
	alphaIdx := indexOf(lines, "alpha")
	zetaIdx := indexOf(lines, "zeta")
	if alphaIdx == -1 || zetaIdx == -1 || alphaIdx > zetaIdx {
		t.Errorf("expected alpha before zeta in prompt lines, got %q", lines)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
