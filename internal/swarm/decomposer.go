package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/pkg/models"
)

// ErrTrivialDecomposition is returned when the model produces fewer than two
// subtasks. The caller falls back to single-agent execution.
var ErrTrivialDecomposition = errors.New("decomposition produced fewer than two subtasks")

// decompositionPrompt asks for the full dependency graph in one call.
// Dependencies are zero-based indices into the same array.
const decompositionPrompt = `Break this goal into subtasks sized for a single worker agent each.

Goal:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "subtasks": [
    {
      "description": "Detailed description of what to do",
      "type": "implement|test|refactor|setup|docs",
      "complexity": 3,
      "depends_on": [0],
      "parallelizable": true,
      "target_files": ["path/to/file.go"],
      "relevant_files": ["path/to/context.go"]
    }
  ]
}

Guidelines:
- depends_on holds zero-based indices of other subtasks in this array
- Only add a dependency when one task truly needs another's output
- complexity is a 1-10 difficulty estimate
- target_files are the files the task is expected to create or modify
- Keep subtasks independent wherever possible so they can run in parallel`

// decomposedSubtask is the JSON shape of one subtask in the model response.
type decomposedSubtask struct {
	Description    string   `json:"description"`
	Type           string   `json:"type"`
	Complexity     int      `json:"complexity"`
	DependsOn      []int    `json:"depends_on"`
	Parallelizable bool     `json:"parallelizable"`
	TargetFiles    []string `json:"target_files"`
	RelevantFiles  []string `json:"relevant_files"`
}

// decompositionResponse is the top-level JSON shape.
type decompositionResponse struct {
	Subtasks []decomposedSubtask `json:"subtasks"`
}

// Decomposer turns a root goal into a dependency DAG via one LLM call.
type Decomposer struct {
	chat   llm.Chatter
	logger *DebugLogger
}

// NewDecomposer creates a decomposer using the given chat client.
func NewDecomposer(chat llm.Chatter, logger *DebugLogger) *Decomposer {
	if logger == nil {
		logger = NopLogger()
	}
	return &Decomposer{chat: chat, logger: logger}
}

// Decompose asks the model to split the goal and returns validated tasks
// with ids assigned and waves leveled. Fewer than two subtasks is rejected
// with ErrTrivialDecomposition; out-of-range or cyclic dependency indices
// are fatal decomposition errors.
func (d *Decomposer) Decompose(ctx context.Context, goal string) ([]*models.SwarmTask, error) {
	prompt := fmt.Sprintf(decompositionPrompt, goal)

	content, err := d.chat.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("decomposition call: %w", err)
	}

	tasks, err := parseDecomposition(content)
	if err != nil {
		return nil, err
	}

	d.logger.Log("[decomposer] goal split into %d subtasks", len(tasks))
	return tasks, nil
}

// parseDecomposition extracts and validates the subtask JSON.
func parseDecomposition(content string) ([]*models.SwarmTask, error) {
	jsonStr, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var resp decompositionResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal decomposition: %w", err)
	}

	if len(resp.Subtasks) < 2 {
		return nil, ErrTrivialDecomposition
	}

	// Validate dependency indices before building tasks.
	n := len(resp.Subtasks)
	for i, st := range resp.Subtasks {
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= n {
				return nil, fmt.Errorf("subtask %d: dependency index %d out of range [0,%d)", i, dep, n)
			}
			if dep == i {
				return nil, fmt.Errorf("subtask %d depends on itself", i)
			}
		}
	}
	if err := validateAcyclic(resp.Subtasks); err != nil {
		return nil, err
	}

	now := time.Now()
	tasks := make([]*models.SwarmTask, n)
	for i, st := range resp.Subtasks {
		tasks[i] = &models.SwarmTask{
			ID:             "task-" + uuid.New().String()[:8],
			Description:    strings.TrimSpace(st.Description),
			Type:           normalizeTaskType(st.Type),
			Status:         models.TaskStatusPending,
			Complexity:     clampComplexity(st.Complexity),
			Parallelizable: st.Parallelizable,
			TargetFiles:    st.TargetFiles,
			RelevantFiles:  st.RelevantFiles,
			CreatedAt:      now,
		}
	}
	for i, st := range resp.Subtasks {
		for _, dep := range st.DependsOn {
			tasks[i].DependsOn = append(tasks[i].DependsOn, tasks[dep].ID)
		}
	}

	// Level waves through a throwaway graph; Build re-validates acyclicity.
	g := NewTaskGraph()
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("validate decomposition graph: %w", err)
	}

	return tasks, nil
}

// validateAcyclic runs a three-color DFS over the index-based dependency
// lists. Indices are already known to be in range.
func validateAcyclic(subtasks []decomposedSubtask) error {
	// 0 = unvisited, 1 = visiting, 2 = done.
	state := make([]int, len(subtasks))

	var visit func(i int) error
	visit = func(i int) error {
		if state[i] == 2 {
			return nil
		}
		if state[i] == 1 {
			return fmt.Errorf("%w: subtask %d participates in a cycle", ErrCycleDetected, i)
		}
		state[i] = 1
		for _, dep := range subtasks[i].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[i] = 2
		return nil
	}

	for i := range subtasks {
		if state[i] == 0 {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractJSONObject finds the outermost JSON object in model output, which
// may be wrapped in prose or a code fence.
func extractJSONObject(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return content[start : end+1], nil
}

func normalizeTaskType(t string) models.TaskType {
	switch models.TaskType(strings.ToLower(strings.TrimSpace(t))) {
	case models.TaskTypeTest:
		return models.TaskTypeTest
	case models.TaskTypeRefactor:
		return models.TaskTypeRefactor
	case models.TaskTypeSetup:
		return models.TaskTypeSetup
	case models.TaskTypeDocs:
		return models.TaskTypeDocs
	default:
		return models.TaskTypeImplement
	}
}

func clampComplexity(c int) int {
	if c < 1 {
		return 1
	}
	if c > 10 {
		return 10
	}
	return c
}
