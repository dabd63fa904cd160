package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Templates: []TemplateDef{
			{
				Name: "Onboarding",
				Tasks: []TaskDef{
					{Name: "Kickoff", Order: 0, DurationMinutes: 60, SLAHours: 24, Checklist: []ChecklistDef{
						{ID: "agenda", Text: "Agenda shared", Required: true},
					}},
					{Name: "Setup", Order: 1, DurationMinutes: 120, SLAHours: 48},
				},
			},
		},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateNoTemplates(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty templates")
	}
}

func TestValidateDuplicateTemplateName(t *testing.T) {
	cfg := validConfig()
	cfg.Templates = append(cfg.Templates, cfg.Templates[0])
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate template name") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestValidateOrderGaps(t *testing.T) {
	cfg := validConfig()
	cfg.Templates[0].Tasks[1].Order = 3
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "order") {
		t.Fatalf("expected order error, got %v", err)
	}

	cfg = validConfig()
	cfg.Templates[0].Tasks[1].Order = 0
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate task order") {
		t.Fatalf("expected duplicate order error, got %v", err)
	}
}

func TestValidateDurations(t *testing.T) {
	cfg := validConfig()
	cfg.Templates[0].Tasks[0].DurationMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero duration")
	}

	cfg = validConfig()
	cfg.Templates[0].Tasks[0].SLAHours = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero sla_hours")
	}
}

func TestValidateChecklistIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Templates[0].Tasks[0].Checklist = append(cfg.Templates[0].Tasks[0].Checklist,
		ChecklistDef{ID: "agenda", Text: "again"})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate checklist id") {
		t.Fatalf("expected duplicate checklist id error, got %v", err)
	}

	cfg = validConfig()
	cfg.Templates[0].Tasks[0].Checklist[0].Text = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for checklist item without text")
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("templates: [not a template]")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultCatalogParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Workspace.Name != "demo" {
		t.Fatalf("workspace name = %q", cfg.Workspace.Name)
	}
	if len(cfg.Templates) != 1 || len(cfg.Templates[0].Tasks) != 3 {
		t.Fatalf("unexpected default catalog shape: %+v", cfg.Templates)
	}
	if !cfg.Templates[0].Tasks[2].RequiresApproval {
		t.Fatal("handoff review should require approval")
	}
}
