// Package expand instantiates concrete claim-bound tasks from activated
// templates. Expansion is deterministic given (template, claim scores): no
// randomness, so identical claims produce identical task sets.
package expand

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veritrust/internal/config"
	"veritrust/internal/domain"
	"veritrust/internal/graph"
)

// ErrTemplateExpansion marks a template that references a skill tag outside
// the recognized vocabulary. The offending template is skipped; expansion
// continues with the rest.
var ErrTemplateExpansion = errors.New("template expansion failed")

type Expander struct {
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(cfg *config.Config, log *zap.Logger) Expander {
	if log == nil {
		log = zap.NewNop()
	}
	return Expander{Config: cfg, Log: log, Now: time.Now}
}

// Expand produces one task per activated template, in template order.
// Templates with unrecognized skills are skipped with a log line, shrinking
// the task list rather than aborting the claim.
func (e Expander) Expand(claim domain.Claim, templates []graph.Template) ([]domain.Task, error) {
	now := e.Now().UTC().Format(time.RFC3339)
	tasks := make([]domain.Task, 0, len(templates))
	for _, t := range templates {
		task, err := e.expandOne(claim, t, now)
		if err != nil {
			e.Log.Warn("skipping template",
				zap.String("template_id", t.ID),
				zap.String("claim_id", claim.ID),
				zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (e Expander) expandOne(claim domain.Claim, t graph.Template, now string) (domain.Task, error) {
	for _, skill := range t.RequiredSkills {
		if !e.Config.KnownSkill(skill) {
			return domain.Task{}, fmt.Errorf("%w: template %s requires unknown skill %q", ErrTemplateExpansion, t.ID, skill)
		}
	}
	score := claim.Dimensions[t.Dimension]
	params := extractParameters(claim.Text)
	var paramsJSON *string
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: marshal parameters: %v", ErrTemplateExpansion, err)
		}
		s := string(b)
		paramsJSON = &s
	}
	// Task id is derived from claim and template so re-expanding the same
	// claim yields the same ids.
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(claim.ID+"|"+t.ID)).String()
	return domain.Task{
		ID:               id,
		ClaimID:          claim.ID,
		TemplateID:       t.ID,
		Description:      fmt.Sprintf("%s: %q", t.Description, truncate(claim.Text, 120)),
		Status:           domain.TaskPending,
		MinValidators:    scaleValidators(t, score),
		EstimatedMinutes: scaleMinutes(t, score),
		RequiredSkills:   append([]string(nil), t.RequiredSkills...),
		ParametersJSON:   paramsJSON,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// scaleValidators interpolates linearly between the template's declared
// [min,max] by the dimension score, clamped to the global [2,5] bound.
func scaleValidators(t graph.Template, score float64) int {
	base, max := t.MinValidators, t.MaxValidators
	if max < base {
		max = base
	}
	v := base + int(math.Round(score*float64(max-base)))
	if v < 2 {
		v = 2
	}
	if v > 5 {
		v = 5
	}
	return v
}

// scaleMinutes grows the estimate linearly with the dimension score, up to
// double the base at score 1.0.
func scaleMinutes(t graph.Template, score float64) int {
	return int(math.Round(float64(t.EstimatedMinutes) * (1 + score)))
}

var (
	rpsRe      = regexp.MustCompile(`(\d+(?:,\d+)?)\s*(?:req(?:uest)?s?/?s(?:ec(?:ond)?)?|rps)`)
	latencyRe  = regexp.MustCompile(`(\d+)\s*(?:ms|millisecond)`)
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	durationRe = regexp.MustCompile(`(\d+)\s*(minute|min|hour|hr)`)
)

// extractParameters pulls numeric verification targets out of the claim
// text so validators know what to measure against.
func extractParameters(text string) map[string]any {
	lower := strings.ToLower(text)
	params := map[string]any{}
	if m := rpsRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			params["target_rps"] = v
		}
	}
	if m := latencyRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			params["target_latency_ms"] = v
		}
	}
	if m := percentRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			params["target_percent"] = v
		}
	}
	if m := durationRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			if strings.HasPrefix(m[2], "h") {
				v *= 60
			}
			params["duration_minutes"] = v
		}
	}
	return params
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
