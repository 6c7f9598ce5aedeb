package config

// StageConfig declares one pipeline stage. Batch stages expand an input
// collection into independent work units; single stages run exactly one
// command whose output presence is the stage's completion signal.
type StageConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	Kind      string   `yaml:"kind"` // "batch" or "single"
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Items selects the input collection for batch stages:
	// "students" (one unit per submission) or
	// "students_activities" (one unit per submission x activity).
	Items string `yaml:"items,omitempty"`

	// Command is the unit command template. Placeholders: {student},
	// {notebook}, {activity}, {provider}, {model}, {output}, {dir}.
	Command string `yaml:"command"`

	// Output is the expected-artifact path template, relative to the
	// assignment directory. Presence of the expanded path is the unit's
	// completion checkpoint.
	Output string `yaml:"output"`

	Model string `yaml:"model,omitempty"` // per-stage model override
}

// Config is the resolved assignment configuration: system defaults from
// configs/config.yaml overlaid with the YAML front matter of the
// assignment's overview.md.
type Config struct {
	DefaultProvider string            `yaml:"default_provider"`
	DefaultModel    string            `yaml:"default_model"`
	MaxParallel     int               `yaml:"max_parallel"`
	APIMaxParallel  int               `yaml:"api_max_parallel"`
	AssignmentType  string            `yaml:"assignment_type"` // "structured" or "freeform"
	TotalMarks      float64           `yaml:"total_marks"`
	GroupAssignment bool              `yaml:"group_assignment"`
	Activities      []string          `yaml:"activities,omitempty"`
	StageModels     map[string]string `yaml:"stage_models,omitempty"`
	Stages          []StageConfig     `yaml:"stages"`
}

// ModelFor resolves the model for a stage: stage-level override first, then
// the stage_models map, then the assignment default.
func (c *Config) ModelFor(stage StageConfig) string {
	if stage.Model != "" {
		return stage.Model
	}
	if m, ok := c.StageModels[stage.ID]; ok && m != "" {
		return m
	}
	return c.DefaultModel
}
