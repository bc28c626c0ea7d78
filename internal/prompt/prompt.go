// Package prompt holds the immutable table of prompt-learning tasks a model
// was configured with.
package prompt

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/weights"
)

// ErrTaskNotFound is returned by Lookup for unknown task names.
var ErrTaskNotFound = &fault.Error{Kind: fault.ErrUsage, Err: errors.New("prompt: task not found")}

// Type selects how task embeddings are injected.
type Type int

const (
	None Type = iota
	SoftPrompt
	PrefixPrompt
	PTuning
)

var typeNames = map[Type]string{
	None:         "no_prompt",
	SoftPrompt:   "soft_prompt",
	PrefixPrompt: "prefix_prompt",
	PTuning:      "p_prompt_tuning",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("prompt_type(%d)", int(t))
}

// ParseType accepts the canonical names plus "none" and "".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return None, nil
	}
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return None, fault.Configf("unknown prompt learning type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Entry is one configured task.
type Entry struct {
	ID     int `yaml:"id" json:"id"`
	Length int `yaml:"length" json:"length"`
}

// Config is the prompt-learning section of a model configuration.
type Config struct {
	Type    Type             `yaml:"type" json:"type"`
	StartID int              `yaml:"start_id" json:"start_id"`
	Tasks   map[string]Entry `yaml:"tasks" json:"tasks"`
}

// Task is a resolved table row.
type Task struct {
	Name   string `json:"name"`
	ID     int    `json:"id"`
	Length int    `json:"length"`
}

// Table maps task names to ids and lengths. It never changes after New.
type Table struct {
	typ     Type
	startID int
	byName  map[string]Task
	byID    []Task
}

// New validates cfg: names are non-empty, lengths positive, and ids form
// exactly [0, n).
func New(cfg Config) (*Table, error) {
	t := &Table{
		typ:     cfg.Type,
		startID: cfg.StartID,
		byName:  make(map[string]Task, len(cfg.Tasks)),
		byID:    make([]Task, len(cfg.Tasks)),
	}
	if _, ok := typeNames[cfg.Type]; !ok {
		return nil, fault.Configf("unknown prompt learning type %d", int(cfg.Type))
	}
	seen := make([]bool, len(cfg.Tasks))
	for _, name := range slices.Sorted(maps.Keys(cfg.Tasks)) {
		e := cfg.Tasks[name]
		switch {
		case name == "":
			return nil, fault.Configf("prompt task with empty name")
		case e.Length < 1:
			return nil, fault.Configf("prompt task %s: length %d", name, e.Length)
		case e.ID < 0 || e.ID >= len(cfg.Tasks):
			return nil, fault.Configf("prompt task %s: id %d outside [0,%d)", name, e.ID, len(cfg.Tasks))
		case seen[e.ID]:
			return nil, fault.Configf("prompt task %s: id %d already used by %s", name, e.ID, t.byID[e.ID].Name)
		}
		seen[e.ID] = true
		task := Task{Name: name, ID: e.ID, Length: e.Length}
		t.byName[name] = task
		t.byID[e.ID] = task
	}
	if len(cfg.Tasks) > 0 && (cfg.Type == SoftPrompt || cfg.Type == PTuning) && cfg.StartID <= 0 {
		return nil, fault.Configf("%s needs a prompt learning start id above 0", cfg.Type)
	}
	return t, nil
}

func (t *Table) Type() Type {
	return t.typ
}

func (t *Table) StartID() int {
	return t.startID
}

func (t *Table) Len() int {
	return len(t.byID)
}

// Enabled reports whether prompt learning is active.
func (t *Table) Enabled() bool {
	return t.typ != None && len(t.byID) > 0
}

func (t *Table) Lookup(name string) (Task, error) {
	task, ok := t.byName[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return task, nil
}

// Tasks returns every task ordered by id.
func (t *Table) Tasks() []Task {
	return slices.Clone(t.byID)
}

// IsPromptToken reports whether token addresses a prompt embedding rather
// than the vocabulary.
func (t *Table) IsPromptToken(token int) bool {
	if !t.Enabled() || t.typ == PrefixPrompt {
		return false
	}
	return token >= t.startID
}

// TensorName is the checkpoint name of a task's embedding table.
func TensorName(task string) string {
	return "prompt_table." + task + ".weight"
}

// Specs returns the tensors the shard must hold for the table. Soft and
// p-tuning tables are [length, hidden] and live with the token embedding on
// the first stage. Prefix tables are [layers, 2, length, hidden]; every stage
// keeps its layers and every tensor rank its hidden slice.
func (t *Table) Specs() weights.Layout {
	if !t.Enabled() {
		return nil
	}
	out := make(weights.Layout, 0, len(t.byID))
	for _, task := range t.byID {
		name := TensorName(task.Name)
		if t.typ == PrefixPrompt {
			out = append(out, weights.TensorSpec{Name: name, Stage: weights.StageAll, TensorDim: 3, LayerDim: 0})
			continue
		}
		out = append(out, weights.Replicated(name, weights.StageFirst))
	}
	return out
}

// Embedding returns the task's table within shard.
func (t *Table) Embedding(shard *weights.Shard, name string) (*weights.Tensor, error) {
	task, err := t.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !t.Enabled() {
		return nil, fault.Usagef("prompt learning is disabled")
	}
	emb, ok := shard.Tensor(TensorName(name))
	if !ok {
		return nil, fault.Usagef("prompt task %s is not held by device %d", name, shard.Device)
	}
	lenDim := 0
	if t.typ == PrefixPrompt {
		lenDim = 2
	}
	if len(emb.Shape) <= lenDim || emb.Shape[lenDim] != task.Length {
		return nil, fault.Configf("prompt task %s: table shape %v does not match length %d", name, emb.Shape, task.Length)
	}
	return emb, nil
}
