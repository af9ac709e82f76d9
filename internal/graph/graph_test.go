package graph_test

import (
	"errors"
	"reflect"
	"testing"

	"veritrust/internal/config"
	"veritrust/internal/graph"
)

func securityGraphConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"security-basic": {
			Description:      "auth boundaries",
			Dimension:        "security",
			Threshold:        0.5,
			MinValidators:    2,
			EstimatedMinutes: 30,
		},
		"security-deep": {
			Description:      "injection testing",
			Dimension:        "security",
			Threshold:        0.7,
			Prerequisites:    []string{"security-basic"},
			MinValidators:    3,
			EstimatedMinutes: 60,
		},
	}
	return cfg
}

func TestActivateThresholdAndPrerequisite(t *testing.T) {
	g, err := graph.Load(securityGraphConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	scores := map[string]float64{
		"security": 0.9, "performance": 0.2, "correctness": 0.8, "compatibility": 0.1,
	}
	activated := g.Activate(scores)
	ids := templateIDs(activated)
	if !reflect.DeepEqual(ids, []string{"security-basic", "security-deep"}) {
		t.Fatalf("expected both security templates in topo order, got %v", ids)
	}
}

func TestActivateThresholdGatesIndependently(t *testing.T) {
	g, err := graph.Load(securityGraphConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// 0.6 passes security-basic (0.5) but not security-deep (0.7), even
	// though the prerequisite is active.
	activated := g.Activate(map[string]float64{"security": 0.6})
	ids := templateIDs(activated)
	if !reflect.DeepEqual(ids, []string{"security-basic"}) {
		t.Fatalf("expected only security-basic, got %v", ids)
	}
}

func TestActivateSkipsDependentWhenPrerequisiteInactive(t *testing.T) {
	cfg := securityGraphConfig(t)
	// Raise the basic threshold above the score so its dependent can never
	// activate regardless of its own passing score.
	tmpl := cfg.Templates["security-basic"]
	tmpl.Threshold = 0.95
	cfg.Templates["security-basic"] = tmpl
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	activated := g.Activate(map[string]float64{"security": 0.9})
	if len(activated) != 0 {
		t.Fatalf("expected no activation, got %v", templateIDs(activated))
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"a": {Dimension: "security", MinValidators: 2, EstimatedMinutes: 10, Prerequisites: []string{"b"}},
		"b": {Dimension: "security", MinValidators: 2, EstimatedMinutes: 10, Prerequisites: []string{"a"}},
	}
	if _, err := graph.Load(cfg); !errors.Is(err, graph.ErrInvalidGraphConfig) {
		t.Fatalf("expected ErrInvalidGraphConfig for cycle, got %v", err)
	}
}

func TestLoadRejectsUnknownPrerequisite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"a": {Dimension: "security", MinValidators: 2, EstimatedMinutes: 10, Prerequisites: []string{"ghost"}},
	}
	if _, err := graph.Load(cfg); !errors.Is(err, graph.ErrInvalidGraphConfig) {
		t.Fatalf("expected ErrInvalidGraphConfig for unknown prerequisite, got %v", err)
	}
}

func TestLoadRejectsSelfDependency(t *testing.T) {
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"a": {Dimension: "security", MinValidators: 2, EstimatedMinutes: 10, Prerequisites: []string{"a"}},
	}
	if _, err := graph.Load(cfg); !errors.Is(err, graph.ErrInvalidGraphConfig) {
		t.Fatalf("expected ErrInvalidGraphConfig for self dependency, got %v", err)
	}
}

func TestActivationOrderIsDeterministic(t *testing.T) {
	cfg := config.Default("test")
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	scores := map[string]float64{
		"correctness": 0.9, "performance": 0.9, "security": 0.9,
		"reliability": 0.9, "scalability": 0.9, "reproducibility": 0.9,
		"compatibility": 0.9, "documentation": 0.9,
	}
	first := templateIDs(g.Activate(scores))
	for i := 0; i < 10; i++ {
		again := templateIDs(g.Activate(scores))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("activation order unstable: %v vs %v", first, again)
		}
	}
}

func TestActivationRespectsTopologicalOrder(t *testing.T) {
	cfg := config.Default("test")
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	scores := map[string]float64{
		"correctness": 0.9, "performance": 0.9, "security": 0.9,
		"reliability": 0.9, "scalability": 0.9, "reproducibility": 0.9,
		"compatibility": 0.9, "documentation": 0.9,
	}
	activated := g.Activate(scores)
	pos := map[string]int{}
	for i, tmpl := range activated {
		pos[tmpl.ID] = i
	}
	for _, tmpl := range activated {
		for _, pre := range tmpl.Prerequisites {
			prePos, ok := pos[pre]
			if !ok {
				t.Fatalf("%s activated without prerequisite %s", tmpl.ID, pre)
			}
			if prePos >= pos[tmpl.ID] {
				t.Fatalf("%s at %d appears before prerequisite %s at %d", tmpl.ID, pos[tmpl.ID], pre, prePos)
			}
		}
	}
}

func TestMandatoryBypassesScoreGateNotPrerequisites(t *testing.T) {
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"base": {Dimension: "correctness", Threshold: 0.3, Mandatory: true, MinValidators: 2, EstimatedMinutes: 10},
		"gated-mandatory": {
			Dimension: "security", Threshold: 0.9, Mandatory: true,
			Prerequisites: []string{"strict"}, MinValidators: 2, EstimatedMinutes: 10,
		},
		"strict": {Dimension: "security", Threshold: 0.99, MinValidators: 2, EstimatedMinutes: 10},
	}
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// All scores zero: mandatory "base" still activates, but the mandatory
	// template behind an inactive prerequisite does not.
	ids := templateIDs(g.Activate(map[string]float64{}))
	if !reflect.DeepEqual(ids, []string{"base"}) {
		t.Fatalf("expected only base, got %v", ids)
	}
}

func TestStructuralGateActivatesWithoutScore(t *testing.T) {
	cfg := &config.Config{}
	cfg.Network.ID = "test"
	cfg.Templates = map[string]config.Template{
		"root": {Dimension: "correctness", Threshold: 0.2, MinValidators: 2, EstimatedMinutes: 10},
		"join": {Prerequisites: []string{"root"}, MinValidators: 2, EstimatedMinutes: 10},
	}
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := templateIDs(g.Activate(map[string]float64{"correctness": 0.5}))
	if !reflect.DeepEqual(ids, []string{"root", "join"}) {
		t.Fatalf("expected structural gate to follow its prerequisite, got %v", ids)
	}
}

func TestTrimCapsTasksKeepingPrerequisiteChains(t *testing.T) {
	cfg := config.Default("test")
	cfg.Traversal.MaxTasks = 4
	g, err := graph.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	scores := map[string]float64{
		"correctness": 0.9, "performance": 0.9, "security": 0.9,
		"reliability": 0.9, "scalability": 0.9, "reproducibility": 0.9,
		"compatibility": 0.9, "documentation": 0.9,
	}
	activated := g.Activate(scores)
	if len(activated) > 4 {
		t.Fatalf("expected at most 4 tasks after trim, got %d", len(activated))
	}
	kept := map[string]bool{}
	for _, tmpl := range activated {
		kept[tmpl.ID] = true
	}
	if !kept["baseline-correctness"] {
		t.Fatalf("mandatory baseline-correctness must survive the trim: %v", templateIDs(activated))
	}
	for _, tmpl := range activated {
		for _, pre := range tmpl.Prerequisites {
			if !kept[pre] {
				t.Fatalf("trim broke prerequisite chain: %s kept without %s", tmpl.ID, pre)
			}
		}
	}
}

func TestExplainCoversActivatedTemplates(t *testing.T) {
	g, err := graph.Load(securityGraphConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reasons := g.Explain(map[string]float64{"security": 0.9})
	if len(reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(reasons))
	}
	for _, r := range reasons {
		if len(r.Notes) == 0 {
			t.Fatalf("reason for %s has no notes", r.TemplateID)
		}
	}
}

func templateIDs(templates []graph.Template) []string {
	ids := make([]string, 0, len(templates))
	for _, t := range templates {
		ids = append(ids, t.ID)
	}
	return ids
}
