package summary

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuild_AllSectionsPresent(t *testing.T) {
	got := Build(Input{
		PreviousSummary: "old",
		UserText:        "Build Telegram bridge",
		AssistantText:   "Implemented worker and streaming",
		CommandNotes:    []string{"go test ./...", "codex exec --json"},
	})

	for _, section := range []string{
		"## Previous Summary", "## Goal", "## Decisions",
		"## Constraints", "## Open Issues", "## Key Artifacts",
	} {
		if !strings.Contains(got, section) {
			t.Fatalf("missing section %q in:\n%s", section, got)
		}
	}
	if !strings.Contains(got, "- Build Telegram bridge") {
		t.Fatalf("goal line missing:\n%s", got)
	}
	if !strings.Contains(got, "- go test ./...") {
		t.Fatalf("command note missing:\n%s", got)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := Input{UserText: "same", AssistantText: "thing", ErrorText: "boom"}
	if Build(in) != Build(in) {
		t.Fatal("identical input must produce identical output")
	}
}

func TestBuild_ExactShapeWithoutPrevious(t *testing.T) {
	got := Build(Input{UserText: "u", AssistantText: "a"})
	want := "## Goal\n- u\n\n" +
		"## Decisions\n- a\n\n" +
		"## Constraints\n- Keep Telegram to CLI bridge context stable\n\n" +
		"## Open Issues\n- none\n\n" +
		"## Key Artifacts\n- no command execution notes\n"
	if got != want {
		t.Fatalf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestBuild_ErrorBecomesOpenIssue(t *testing.T) {
	got := Build(Input{UserText: "u", ErrorText: "provider crashed"})
	if !strings.Contains(got, "## Open Issues\n- provider crashed") {
		t.Fatalf("error not surfaced:\n%s", got)
	}
}

func TestBuild_LongLinesClipped(t *testing.T) {
	got := Build(Input{UserText: strings.Repeat("x", 500)})
	line := "- " + strings.Repeat("x", 297) + "..."
	if !strings.Contains(got, line) {
		t.Fatalf("goal line not clipped:\n%s", got)
	}
}

func TestBuild_CommandNotesCappedAtTen(t *testing.T) {
	notes := make([]string, 15)
	for i := range notes {
		notes[i] = "cmd"
	}
	got := Build(Input{UserText: "u", CommandNotes: notes})
	if n := strings.Count(got, "- cmd"); n != 10 {
		t.Fatalf("expected 10 notes, got %d", n)
	}
}

func TestBuild_TrimAppliesMaxLength(t *testing.T) {
	got := Build(Input{
		PreviousSummary: strings.Repeat("x", 10000),
		UserText:        "u",
		AssistantText:   "a",
	})
	if utf8.RuneCountInString(got) > MaxLength {
		t.Fatalf("summary exceeds max: %d", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "\n\n[truncated]") {
		t.Fatalf("truncation marker missing, tail: %q", got[len(got)-30:])
	}
}

func TestBuildRecoveryPreamble(t *testing.T) {
	if BuildRecoveryPreamble("") != "" {
		t.Fatal("empty summary must give empty preamble")
	}
	if BuildRecoveryPreamble("   \n") != "" {
		t.Fatal("blank summary must give empty preamble")
	}
	got := BuildRecoveryPreamble("## Goal\n- u")
	want := "[Session Memory Summary]\n" +
		"Continue work while preserving prior context using this summary.\n\n" +
		"## Goal\n- u"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
