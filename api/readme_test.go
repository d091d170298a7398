package api

import (
	"net/http"
	"os"
	"strings"
	"testing"
)

func TestReadmeMissingFile(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/readme", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "README.md not found" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestReadmeRendersMarkdown(t *testing.T) {
	f := newFixture(t, nil)
	src := "# Task Board\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n- [x] done\n\nTerm\n: definition\n"
	if err := os.WriteFile(f.readme, []byte(src), 0o600); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	rec := f.do(http.MethodGet, "/readme", nil, nil)
	body := rec.Body.String()
	for _, want := range []string{`<h1 id="task-board">Task Board</h1>`, "<table>", `type="checkbox"`, "<dl>"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in rendered readme:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
