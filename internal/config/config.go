package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowdesk.yml, the declarative template catalog a workspace
// imports its workflow definitions from.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Templates []TemplateDef `yaml:"templates"`
}

// TemplateDef declares one workflow template and its ordered tasks.
type TemplateDef struct {
	Name        string    `yaml:"name"`
	Category    string    `yaml:"category"`
	Description string    `yaml:"description"`
	Tasks       []TaskDef `yaml:"tasks"`
}

type TaskDef struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Order            int            `yaml:"order"`
	DurationMinutes  int            `yaml:"duration_minutes"`
	SLAHours         int            `yaml:"sla_hours"`
	RequiresApproval bool           `yaml:"requires_approval"`
	DefaultRole      string         `yaml:"default_role"`
	Checklist        []ChecklistDef `yaml:"checklist"`
}

type ChecklistDef struct {
	ID         string `yaml:"id"`
	Text       string `yaml:"text"`
	Required   bool   `yaml:"required"`
	HasInput   bool   `yaml:"has_input"`
	InputLabel string `yaml:"input_label"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with flowdesk template import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures every template's task list is importable: orders form a
// dense 0..n-1 sequence, durations and SLAs are positive, and checklist item
// IDs are unique within a task.
func (c *Config) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	names := map[string]bool{}
	for _, t := range c.Templates {
		if t.Name == "" {
			return fmt.Errorf("config.templates contains a template with no name")
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate template name %q", t.Name)
		}
		names[t.Name] = true
		if len(t.Tasks) == 0 {
			return fmt.Errorf("template %q has no tasks", t.Name)
		}
		seen := make([]bool, len(t.Tasks))
		for _, task := range t.Tasks {
			if task.Name == "" {
				return fmt.Errorf("template %q contains a task with no name", t.Name)
			}
			if task.Order < 0 || task.Order >= len(t.Tasks) {
				return fmt.Errorf("template %q task %q has order %d outside 0..%d", t.Name, task.Name, task.Order, len(t.Tasks)-1)
			}
			if seen[task.Order] {
				return fmt.Errorf("template %q has duplicate task order %d", t.Name, task.Order)
			}
			seen[task.Order] = true
			if task.DurationMinutes < 1 {
				return fmt.Errorf("template %q task %q duration_minutes must be >= 1", t.Name, task.Name)
			}
			if task.SLAHours < 1 {
				return fmt.Errorf("template %q task %q sla_hours must be >= 1", t.Name, task.Name)
			}
			ids := map[string]bool{}
			for _, item := range task.Checklist {
				if item.ID == "" {
					return fmt.Errorf("template %q task %q has a checklist item with no id", t.Name, task.Name)
				}
				if ids[item.ID] {
					return fmt.Errorf("template %q task %q has duplicate checklist id %q", t.Name, task.Name, item.ID)
				}
				ids[item.ID] = true
				if item.Text == "" {
					return fmt.Errorf("template %q task %q checklist item %q has no text", t.Name, task.Name, item.ID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowdesk.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns a starter catalog for a new workspace.
func GenerateDefault(workspaceName string) string {
	return fmt.Sprintf(defaultTemplate, workspaceName)
}

const defaultTemplate = `workspace:
  name: %s

templates:
  - name: Client Onboarding
    category: onboarding
    description: Standard onboarding workflow for a new client
    tasks:
      - name: Kickoff call
        order: 0
        duration_minutes: 60
        sla_hours: 24
        default_role: bde
        checklist:
          - id: agenda
            text: Agenda shared with client
            required: true
          - id: notes
            text: Call notes recorded
            required: true
            has_input: true
            input_label: Notes link
      - name: Account setup
        order: 1
        duration_minutes: 120
        sla_hours: 48
        default_role: member
        checklist:
          - id: workspace
            text: Workspace provisioned
            required: true
          - id: access
            text: Client access granted
            required: true
      - name: Handoff review
        order: 2
        duration_minutes: 45
        sla_hours: 24
        requires_approval: true
        default_role: controller
        checklist:
          - id: signoff
            text: Deliverables reviewed
            required: true
`
