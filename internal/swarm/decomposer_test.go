package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/pkg/models"
)

// stubChatter scripts LLM responses for tests. The respond func receives the
// latest user message.
type stubChatter struct {
	mu      sync.Mutex
	calls   int
	respond func(prompt string) (string, error)
}

func (s *stubChatter) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.respond(messages[len(messages)-1].Content)
}

func (s *stubChatter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const validDecomposition = `Here is the plan:
{
  "subtasks": [
    {"description": "Set up the module", "type": "setup", "complexity": 2, "depends_on": [], "parallelizable": true, "target_files": ["go.mod"]},
    {"description": "Implement the parser", "type": "implement", "complexity": 5, "depends_on": [0], "parallelizable": false, "target_files": ["parser.go"], "relevant_files": ["go.mod"]},
    {"description": "Write parser tests", "type": "test", "complexity": 3, "depends_on": [1], "parallelizable": true, "target_files": ["parser_test.go"]}
  ]
}`

func TestDecompose(t *testing.T) {
	chat := &stubChatter{respond: func(string) (string, error) {
		return validDecomposition, nil
	}}
	d := NewDecomposer(chat, nil)

	tasks, err := d.Decompose(context.Background(), "build a parser")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}

	if tasks[0].Wave != 1 || tasks[1].Wave != 2 || tasks[2].Wave != 3 {
		t.Errorf("waves = %d/%d/%d, want 1/2/3", tasks[0].Wave, tasks[1].Wave, tasks[2].Wave)
	}
	if tasks[0].Type != models.TaskTypeSetup || tasks[2].Type != models.TaskTypeTest {
		t.Errorf("types = %s/%s", tasks[0].Type, tasks[2].Type)
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != tasks[0].ID {
		t.Errorf("task 1 deps = %v, want [%s]", tasks[1].DependsOn, tasks[0].ID)
	}
	for _, task := range tasks {
		if !strings.HasPrefix(task.ID, "task-") {
			t.Errorf("id %q missing task- prefix", task.ID)
		}
		if task.Status != models.TaskStatusPending {
			t.Errorf("task %s status = %s, want pending", task.ID, task.Status)
		}
	}
}

func TestParseDecompositionTrivial(t *testing.T) {
	content := `{"subtasks": [{"description": "just one", "type": "implement"}]}`
	_, err := parseDecomposition(content)
	if !errors.Is(err, ErrTrivialDecomposition) {
		t.Errorf("err = %v, want ErrTrivialDecomposition", err)
	}
}

func TestParseDecompositionRejectsBadIndices(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "out of range",
			content: `{"subtasks": [{"description": "a", "depends_on": [5]}, {"description": "b"}]}`,
		},
		{
			name:    "self dependency",
			content: `{"subtasks": [{"description": "a", "depends_on": [0]}, {"description": "b"}]}`,
		},
		{
			name:    "cycle",
			content: `{"subtasks": [{"description": "a", "depends_on": [1]}, {"description": "b", "depends_on": [0]}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseDecomposition(tt.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseDecompositionNoJSON(t *testing.T) {
	if _, err := parseDecomposition("I cannot do that."); err == nil {
		t.Error("expected error for missing JSON")
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, err := extractJSONObject("```json\n{\"a\": 1}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeTaskType(t *testing.T) {
	tests := []struct {
		in   string
		want models.TaskType
	}{
		{"test", models.TaskTypeTest},
		{"  REFACTOR ", models.TaskTypeRefactor},
		{"setup", models.TaskTypeSetup},
		{"docs", models.TaskTypeDocs},
		{"implement", models.TaskTypeImplement},
		{"banana", models.TaskTypeImplement},
		{"", models.TaskTypeImplement},
	}
	for _, tt := range tests {
		if got := normalizeTaskType(tt.in); got != tt.want {
			t.Errorf("normalizeTaskType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClampComplexity(t *testing.T) {
	if clampComplexity(0) != 1 || clampComplexity(99) != 10 || clampComplexity(5) != 5 {
		t.Error("clampComplexity bounds wrong")
	}
}
