package swarm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kwagner-io/waggle/internal/artifact"
	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/pkg/models"
)

// DefaultQualityThreshold is the score a verdict must reach to pass.
const DefaultQualityThreshold = 3

// QualityVerdict is the gate's judgment of one attempt.
type QualityVerdict struct {
	// Score is the judge's 1-5 rating, clamped.
	Score int `json:"score"`
	// Passed is score >= threshold.
	Passed bool `json:"passed"`
	// Feedback is the judge's explanation, fed back into retry guidance.
	Feedback string `json:"feedback"`
	// ArtifactAutoFail is true when the gate short-circuited on missing
	// target files without calling the judge.
	ArtifactAutoFail bool `json:"artifact_auto_fail"`
}

// JudgeProfile optionally overrides the judge model and persona per call.
type JudgeProfile struct {
	Model     string `yaml:"model" json:"model"`
	Persona   string `yaml:"persona" json:"persona"`
	Threshold int    `yaml:"threshold" json:"threshold"`
}

// QualityGate asks an LLM judge to score a task's output against its target
// files and closure report. Provider failures never block completion: they
// default to a conservative pass.
type QualityGate struct {
	chat      llm.Chatter
	verifier  *artifact.Verifier
	threshold int
	logger    *DebugLogger
}

// NewQualityGate creates a gate with the given threshold (0 means the
// default of 3).
func NewQualityGate(chat llm.Chatter, verifier *artifact.Verifier, threshold int, logger *DebugLogger) *QualityGate {
	if threshold <= 0 {
		threshold = DefaultQualityThreshold
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &QualityGate{chat: chat, verifier: verifier, threshold: threshold, logger: logger}
}

// scorePattern and feedbackPattern parse the judge's free-text response.
var (
	scorePattern    = regexp.MustCompile(`(?im)^\s*SCORE:\s*(-?\d+)`)
	feedbackPattern = regexp.MustCompile(`(?im)^\s*FEEDBACK:\s*(.+)$`)
)

// Evaluate scores one attempt. The target-file probe runs first: when the
// task defines target files and every one is missing or empty, the gate
// auto-fails (score 1) without calling the judge.
func (q *QualityGate) Evaluate(ctx context.Context, task *models.SwarmTask, result *models.SwarmTaskResult, profile *JudgeProfile) QualityVerdict {
	threshold := q.threshold
	if profile != nil && profile.Threshold > 0 {
		threshold = profile.Threshold
	}

	report := q.verifier.Probe(task.TargetFiles)
	if len(task.TargetFiles) > 0 && report.AllEmpty {
		q.logger.Log("[quality] task %s: all %d target files missing/empty, auto-fail", task.ID, len(task.TargetFiles))
		return QualityVerdict{
			Score:            1,
			Passed:           1 >= threshold,
			Feedback:         "all target files are missing or empty; no judge call made",
			ArtifactAutoFail: true,
		}
	}

	prompt := q.buildPrompt(task, result, report, profile)

	var messages []llm.Message
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	content, err := q.chat.Chat(ctx, messages)
	if err != nil {
		// Infrastructure failure must never block completion.
		q.logger.Log("[quality] task %s: judge call failed (%v), defaulting to pass", task.ID, err)
		return QualityVerdict{
			Score:    DefaultQualityThreshold,
			Passed:   true,
			Feedback: "judge unavailable; conservative pass",
		}
	}

	verdict := parseVerdict(content)
	verdict.Passed = verdict.Score >= threshold
	q.logger.Log("[quality] task %s: score=%d passed=%v", task.ID, verdict.Score, verdict.Passed)
	return verdict
}

// buildPrompt assembles the judge prompt from the task, the output, the
// artifact probe, and the closure report when present.
func (q *QualityGate) buildPrompt(task *models.SwarmTask, result *models.SwarmTaskResult, report *artifact.Report, profile *JudgeProfile) string {
	var b strings.Builder

	persona := "You are a strict engineering reviewer scoring completed work."
	if profile != nil && profile.Persona != "" {
		persona = profile.Persona
	}
	b.WriteString(persona)
	b.WriteString("\n\n## Task\n")
	fmt.Fprintf(&b, "Type: %s\n%s\n", task.Type, task.Description)

	b.WriteString("\n## Worker Output\n")
	output := result.Output
	if len(output) > 8000 {
		output = output[:8000] + "\n... (truncated)"
	}
	b.WriteString(output)

	b.WriteString("\n\n## Artifact Verification\n")
	if len(report.Artifacts) == 0 {
		b.WriteString("No target files declared.\n")
	}
	for _, a := range report.Artifacts {
		if a.Exists {
			fmt.Fprintf(&b, "- %s: exists (%d bytes)\n", a.Path, a.SizeBytes)
		} else {
			fmt.Fprintf(&b, "- %s: MISSING\n", a.Path)
		}
	}

	if result.ClosureReport != nil {
		b.WriteString("\n## Closure Report\n")
		cr := result.ClosureReport
		if len(cr.ActionsTaken) > 0 {
			fmt.Fprintf(&b, "Actions: %s\n", strings.Join(cr.ActionsTaken, "; "))
		}
		if len(cr.Failures) > 0 {
			fmt.Fprintf(&b, "Failures: %s\n", strings.Join(cr.Failures, "; "))
		}
		if len(cr.RemainingWork) > 0 {
			fmt.Fprintf(&b, "Remaining: %s\n", strings.Join(cr.RemainingWork, "; "))
		}
		if cr.ExitReason != "" {
			fmt.Fprintf(&b, "Exit reason: %s\n", cr.ExitReason)
		}
	}

	b.WriteString(`
Score the work from 1 (unusable) to 5 (excellent). Respond with exactly:
SCORE: <n>
FEEDBACK: <one or two sentences>`)

	return b.String()
}

// parseVerdict extracts SCORE/FEEDBACK lines. An unparseable score defaults
// to 3; missing feedback falls back to the first 200 characters of content.
func parseVerdict(content string) QualityVerdict {
	v := QualityVerdict{Score: DefaultQualityThreshold}

	if m := scorePattern.FindStringSubmatch(content); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			v.Score = clampScore(n)
		}
	}

	if m := feedbackPattern.FindStringSubmatch(content); m != nil {
		v.Feedback = strings.TrimSpace(m[1])
	} else {
		raw := strings.TrimSpace(content)
		if len(raw) > 200 {
			raw = raw[:200]
		}
		v.Feedback = raw
	}

	return v
}

// clampScore forces a judge score into [1,5].
func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}
