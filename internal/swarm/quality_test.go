package swarm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwagner-io/waggle/internal/artifact"
	"github.com/kwagner-io/waggle/pkg/models"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestQualityGateArtifactAutoFail(t *testing.T) {
	dir := t.TempDir()
	chat := &stubChatter{respond: func(string) (string, error) {
		return "SCORE: 5\nFEEDBACK: great", nil
	}}
	gate := NewQualityGate(chat, artifact.NewVerifier(dir), 3, nil)

	task := &models.SwarmTask{ID: "task-a", TargetFiles: []string{"missing.go", "also_missing.go"}}
	result := &models.SwarmTaskResult{Success: true, Output: "I wrote the files"}

	verdict := gate.Evaluate(context.Background(), task, result, nil)
	if !verdict.ArtifactAutoFail {
		t.Error("expected artifact auto-fail")
	}
	if verdict.Score != 1 || verdict.Passed {
		t.Errorf("verdict = %+v, want score 1, not passed", verdict)
	}
	if chat.callCount() != 0 {
		t.Errorf("judge called %d times, want 0 on auto-fail", chat.callCount())
	}
}

func TestQualityGateJudgeErrorDefaultsToPass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "out.go", "package out")
	chat := &stubChatter{respond: func(string) (string, error) {
		return "", errors.New("provider unavailable")
	}}
	gate := NewQualityGate(chat, artifact.NewVerifier(dir), 3, nil)

	task := &models.SwarmTask{ID: "task-a", TargetFiles: []string{"out.go"}}
	result := &models.SwarmTaskResult{Success: true, Output: "done"}

	verdict := gate.Evaluate(context.Background(), task, result, nil)
	if !verdict.Passed || verdict.Score != 3 {
		t.Errorf("verdict = %+v, want conservative pass with score 3", verdict)
	}
}

func TestQualityGateThreshold(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "out.go", "package out")
	chat := &stubChatter{respond: func(string) (string, error) {
		return "SCORE: 3\nFEEDBACK: acceptable", nil
	}}

	task := &models.SwarmTask{ID: "task-a", TargetFiles: []string{"out.go"}}
	result := &models.SwarmTaskResult{Success: true, Output: "done"}

	gate := NewQualityGate(chat, artifact.NewVerifier(dir), 3, nil)
	if v := gate.Evaluate(context.Background(), task, result, nil); !v.Passed {
		t.Errorf("score 3 should pass threshold 3: %+v", v)
	}

	// A profile can raise the bar per call.
	strict := &JudgeProfile{Threshold: 4}
	if v := gate.Evaluate(context.Background(), task, result, strict); v.Passed {
		t.Errorf("score 3 should fail profile threshold 4: %+v", v)
	}
}

func TestQualityGatePersonaInPrompt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "out.go", "package out")

	var seen string
	chat := &stubChatter{respond: func(prompt string) (string, error) {
		seen = prompt
		return "SCORE: 4\nFEEDBACK: fine", nil
	}}
	gate := NewQualityGate(chat, artifact.NewVerifier(dir), 3, nil)

	task := &models.SwarmTask{ID: "task-a", TargetFiles: []string{"out.go"}}
	result := &models.SwarmTaskResult{Success: true, Output: "done"}
	profile := &JudgeProfile{Persona: "You are a grumpy architect."}

	gate.Evaluate(context.Background(), task, result, profile)
	if !strings.HasPrefix(seen, "You are a grumpy architect.") {
		t.Errorf("prompt does not start with persona: %.60q", seen)
	}
	if !strings.Contains(seen, "out.go: exists") {
		t.Error("prompt missing artifact verification section")
	}
}

func TestParseVerdict(t *testing.T) {
	long := strings.Repeat("x", 300)

	tests := []struct {
		name         string
		content      string
		wantScore    int
		wantFeedback string
	}{
		{"well formed", "SCORE: 4\nFEEDBACK: solid work", 4, "solid work"},
		{"clamped high", "SCORE: 10\nFEEDBACK: over-enthusiastic", 5, "over-enthusiastic"},
		{"clamped low", "SCORE: 0\nFEEDBACK: brutal", 1, "brutal"},
		{"clamped negative", "SCORE: -2\nFEEDBACK: hostile", 1, "hostile"},
		{"lowercase keyword ok", "score: 2\nfeedback: weak", 2, "weak"},
		{"unparseable score", "I think it deserves a four.", 3, "I think it deserves a four."},
		{"feedback fallback truncates", long, 3, long[:200]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := parseVerdict(tt.content)
			if v.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", v.Score, tt.wantScore)
			}
			if v.Feedback != tt.wantFeedback {
				t.Errorf("feedback = %q, want %q", v.Feedback, tt.wantFeedback)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, 1}, {0, 1}, {1, 1}, {3, 3}, {5, 5}, {6, 5}, {100, 5},
	}
	for _, tt := range tests {
		if got := clampScore(tt.in); got != tt.want {
			t.Errorf("clampScore(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
