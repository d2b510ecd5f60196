// Package artifact inspects the filesystem to judge whether a task produced
// real output. It is the evidence source for degraded acceptance, the quality
// gate's auto-fail check, and lenient rescue.
package artifact

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kwagner-io/waggle/pkg/models"
)

// Artifact is one probed candidate path.
type Artifact struct {
	// Path is the candidate path as reported, relative to the working root.
	Path string `json:"path"`
	// Exists is whether the path resolves to a regular file.
	Exists bool `json:"exists"`
	// SizeBytes is the file size; zero when missing.
	SizeBytes int64 `json:"size_bytes"`
}

// Report is the deduplicated result of probing every candidate path for a
// task attempt.
type Report struct {
	// Artifacts lists each unique candidate exactly once, in collection order.
	Artifacts []Artifact `json:"artifacts"`
	// AllEmpty is true only when candidates exist and every one of them is
	// missing or zero bytes. An empty candidate set is not "all empty".
	AllEmpty bool `json:"all_empty"`
}

// NonEmptyCount returns how many artifacts exist with nonzero size.
func (r *Report) NonEmptyCount() int {
	n := 0
	for _, a := range r.Artifacts {
		if a.Exists && a.SizeBytes > 0 {
			n++
		}
	}
	return n
}

// pathPattern matches file-looking tokens in free text: something with a
// directory separator or an extension, e.g. "internal/api/client.go" or
// "README.md". Trailing punctuation is trimmed afterwards.
var pathPattern = regexp.MustCompile(`[\w~./-]*[\w-]+\.[\w]+`)

// Verifier probes candidate paths relative to a working root.
type Verifier struct {
	workDir string
}

// NewVerifier creates a verifier rooted at workDir. An empty workDir probes
// relative to the current directory.
func NewVerifier(workDir string) *Verifier {
	return &Verifier{workDir: workDir}
}

// Inspect gathers candidate paths from the task's target files, the result's
// modified files, and paths mentioned in the closure report's actions, then
// probes each unique path once. result may be nil.
func (v *Verifier) Inspect(task *models.SwarmTask, result *models.SwarmTaskResult) *Report {
	var candidates []string
	if task != nil {
		candidates = append(candidates, task.TargetFiles...)
	}
	if result != nil {
		candidates = append(candidates, result.FilesModified...)
		if result.ClosureReport != nil {
			for _, action := range result.ClosureReport.ActionsTaken {
				candidates = append(candidates, ExtractPaths(action)...)
			}
		}
	}
	return v.Probe(candidates)
}

// Probe deduplicates the candidate paths exactly and stats each one.
// Filesystem errors are treated as "missing", never propagated.
func (v *Verifier) Probe(candidates []string) *Report {
	report := &Report{}
	seen := make(map[string]bool)

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true

		full := p
		if !filepath.IsAbs(p) && v.workDir != "" {
			full = filepath.Join(v.workDir, p)
		}

		a := Artifact{Path: p}
		if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
			a.Exists = true
			a.SizeBytes = info.Size()
		}
		report.Artifacts = append(report.Artifacts, a)
	}

	report.AllEmpty = len(report.Artifacts) > 0 && report.NonEmptyCount() == 0
	return report
}

// ExtractPaths pulls file-looking tokens out of free text, e.g. a closure
// report line like "Created internal/api/client.go and wired it up."
func ExtractPaths(text string) []string {
	matches := pathPattern.FindAllString(text, -1)
	var out []string
	for _, m := range matches {
		m = strings.Trim(m, ".,;:")
		// A bare extension-less word or a trailing sentence period can slip
		// through; require a dot to remain after trimming.
		if !strings.Contains(m, ".") {
			continue
		}
		out = append(out, m)
	}
	return out
}
