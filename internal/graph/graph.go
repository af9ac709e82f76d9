// Package graph holds the static verification template DAG and the
// threshold-gated topological activation over it. The graph is loaded once
// at startup from config and never changes at runtime.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"veritrust/internal/config"
)

// ErrInvalidGraphConfig is fatal at startup: a cyclic or malformed template
// graph must abort initialization.
var ErrInvalidGraphConfig = errors.New("invalid template graph config")

// Template is one node of the DAG. Dimension may be empty for structural
// gates that activate unconditionally once their own prerequisites hold.
type Template struct {
	ID               string
	Description      string
	Dimension        string
	Threshold        float64
	Prerequisites    []string
	Mandatory        bool
	RiskWeight       float64
	MinValidators    int
	MaxValidators    int
	EstimatedMinutes int
	RequiredSkills   []string
}

// Graph is the validated, immutable template DAG with a precomputed
// deterministic topological order.
type Graph struct {
	templates map[string]Template
	order     []string
	maxTasks  int
}

// Load builds and validates the graph from config. Unknown prerequisite ids
// and cycles fail with ErrInvalidGraphConfig.
func Load(cfg *config.Config) (*Graph, error) {
	templates := make(map[string]Template, len(cfg.Templates))
	for id, t := range cfg.Templates {
		maxV := t.MaxValidators
		if maxV == 0 {
			maxV = t.MinValidators
		}
		templates[id] = Template{
			ID:               id,
			Description:      t.Description,
			Dimension:        t.Dimension,
			Threshold:        t.Threshold,
			Prerequisites:    append([]string(nil), t.Prerequisites...),
			Mandatory:        t.Mandatory,
			RiskWeight:       t.RiskWeight,
			MinValidators:    t.MinValidators,
			MaxValidators:    maxV,
			EstimatedMinutes: t.EstimatedMinutes,
			RequiredSkills:   append([]string(nil), t.RequiredSkills...),
		}
	}
	for id, t := range templates {
		for _, pre := range t.Prerequisites {
			if pre == id {
				return nil, fmt.Errorf("%w: template %s depends on itself", ErrInvalidGraphConfig, id)
			}
			if _, ok := templates[pre]; !ok {
				return nil, fmt.Errorf("%w: template %s references unknown prerequisite %s", ErrInvalidGraphConfig, id, pre)
			}
		}
	}
	order, err := topoSort(templates)
	if err != nil {
		return nil, err
	}
	return &Graph{templates: templates, order: order, maxTasks: cfg.Traversal.MaxTasks}, nil
}

// topoSort runs Kahn's algorithm with a lexicographic tiebreak so the order
// is stable across runs. A leftover node means a cycle.
func topoSort(templates map[string]Template) ([]string, error) {
	inDegree := make(map[string]int, len(templates))
	dependents := make(map[string][]string, len(templates))
	for id, t := range templates {
		inDegree[id] += 0
		for _, pre := range t.Prerequisites {
			inDegree[id]++
			dependents[pre] = append(dependents[pre], id)
		}
	}
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(templates))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		changed := false
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}
	if len(order) != len(templates) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: cycle involving %v", ErrInvalidGraphConfig, stuck)
	}
	return order, nil
}

// Template returns a template by id.
func (g *Graph) Template(id string) (Template, bool) {
	t, ok := g.templates[id]
	return t, ok
}

// Len reports the total template count.
func (g *Graph) Len() int { return len(g.templates) }

// Order returns the precomputed topological order of all template ids.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Activate walks the graph in topological order and returns the activated
// templates in that order. A template activates iff every prerequisite is
// already active AND its own gate holds: mandatory templates and structural
// gates (empty dimension) pass unconditionally; otherwise the claim's score
// for the template's dimension must reach the threshold. Prerequisite gating
// is never bypassed, even for mandatory templates.
func (g *Graph) Activate(scores map[string]float64) []Template {
	active := make(map[string]bool, len(g.order))
	var result []Template
	for _, id := range g.order {
		t := g.templates[id]
		if !prerequisitesActive(t, active) {
			continue
		}
		if !g.gateHolds(t, scores) {
			continue
		}
		active[id] = true
		result = append(result, t)
	}
	if g.maxTasks > 0 && len(result) > g.maxTasks {
		result = g.trim(result)
	}
	return result
}

func prerequisitesActive(t Template, active map[string]bool) bool {
	for _, pre := range t.Prerequisites {
		if !active[pre] {
			return false
		}
	}
	return true
}

func (g *Graph) gateHolds(t Template, scores map[string]float64) bool {
	if t.Mandatory || t.Dimension == "" {
		return true
	}
	return scores[t.Dimension] >= t.Threshold
}

// trim caps the activation set at maxTasks, dropping the lowest-priority
// templates (non-mandatory, lowest risk weight, deepest first) while keeping
// every survivor's prerequisite chain intact.
func (g *Graph) trim(activated []Template) []Template {
	keep := make(map[string]bool, len(activated))
	for _, t := range activated {
		keep[t.ID] = true
	}
	// Candidates for removal, least important first.
	candidates := append([]Template(nil), activated...)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Mandatory != b.Mandatory {
			return !a.Mandatory
		}
		if a.RiskWeight != b.RiskWeight {
			return a.RiskWeight < b.RiskWeight
		}
		return len(a.Prerequisites) > len(b.Prerequisites)
	})
	excess := len(activated) - g.maxTasks
	// Dropping a leaf can expose its prerequisite as the next leaf, so
	// sweep until the cap is met or nothing more can go.
	for excess > 0 {
		progressed := false
		for _, c := range candidates {
			if excess == 0 {
				break
			}
			if c.Mandatory || !keep[c.ID] {
				continue
			}
			if g.hasKeptDependent(c.ID, keep) {
				continue
			}
			keep[c.ID] = false
			excess--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	var result []Template
	for _, t := range activated {
		if keep[t.ID] {
			result = append(result, t)
		}
	}
	return result
}

func (g *Graph) hasKeptDependent(id string, keep map[string]bool) bool {
	for otherID, t := range g.templates {
		if !keep[otherID] {
			continue
		}
		for _, pre := range t.Prerequisites {
			if pre == id {
				return true
			}
		}
	}
	return false
}

// Reason explains one template's activation.
type Reason struct {
	TemplateID string
	Notes      []string
}

// Explain reports why each activated template activated.
func (g *Graph) Explain(scores map[string]float64) []Reason {
	activated := g.Activate(scores)
	reasons := make([]Reason, 0, len(activated))
	for _, t := range activated {
		var notes []string
		if t.Mandatory {
			notes = append(notes, "mandatory template")
		}
		if t.Dimension == "" {
			notes = append(notes, "structural gate")
		} else if !t.Mandatory {
			notes = append(notes, fmt.Sprintf("dimension %s score %.2f >= threshold %.2f", t.Dimension, scores[t.Dimension], t.Threshold))
		}
		if len(t.Prerequisites) > 0 {
			notes = append(notes, fmt.Sprintf("prerequisites active: %v", t.Prerequisites))
		}
		reasons = append(reasons, Reason{TemplateID: t.ID, Notes: notes})
	}
	return reasons
}
