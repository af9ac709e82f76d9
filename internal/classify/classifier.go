// Package classify scores claim text against the fixed verification
// dimensions. The keyword classifier is pure and deterministic; anything
// smarter (a model-backed scorer) plugs in behind the same interface.
package classify

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidClaim rejects empty or too-short claim text before classification.
var ErrInvalidClaim = errors.New("invalid claim: text empty or too short")

// MinClaimLength is the minimum rune count for a classifiable claim.
const MinClaimLength = 12

// Dimensions is the fixed dimension set, in canonical order.
var Dimensions = []string{
	"performance",
	"correctness",
	"security",
	"reproducibility",
	"compatibility",
	"documentation",
	"reliability",
	"scalability",
}

// Result of classifying one claim.
type Result struct {
	Dimensions  map[string]float64
	RedFlags    []string
	Ambiguities []string
}

// Classifier turns claim text into dimension scores in [0,1].
type Classifier interface {
	Classify(text string) (Result, error)
}

type dimensionRule struct {
	dimension string
	score     float64
	keywords  []string
}

var dimensionRules = []dimensionRule{
	{"performance", 0.7, []string{"fast", "speed", "latency", "throughput", "req/s", "requests per second", "rps", "millisecond", "response time"}},
	{"correctness", 0.6, []string{"correct", "accurate", "bug-free", "works", "functional", "returns", "computes"}},
	{"security", 0.7, []string{"secure", "auth", "encrypt", "safe", "protect", "vulnerability", "injection", "xss"}},
	{"reproducibility", 0.6, []string{"reproducible", "deterministic", "consistent", "repeatable"}},
	{"compatibility", 0.5, []string{"compatible", "works with", "supports", "integrates", "cross-platform"}},
	{"documentation", 0.5, []string{"documented", "readme", "api doc", "specification"}},
	{"reliability", 0.6, []string{"reliable", "stable", "uptime", "availability", "fault", "recover"}},
	{"scalability", 0.6, []string{"scale", "scalable", "horizontal", "vertical", "elastic", "auto-scale"}},
}

type patternNote struct {
	pattern string
	note    string
}

var redFlagPatterns = []patternNote{
	{"staging", "tested only on staging environment"},
	{"local", "tested only locally"},
	{"my machine", "works on my machine claim"},
	{"should work", "uncertain language used"},
	{"probably", "uncertain language used"},
	{"i think", "uncertain language used"},
	{"no tests", "no automated tests mentioned"},
	{"manual test", "only manual testing performed"},
	{"untested", "explicitly marked as untested"},
	{"prototype", "prototype or experimental code"},
	{"poc", "proof of concept code"},
	{"hack", "hacky or temporary solution"},
	{"workaround", "workaround rather than proper fix"},
}

var ambiguityPatterns = []patternNote{
	{"api", "authentication model not specified"},
	{"auth", "authentication mechanism unclear"},
	{"database", "database type/version not specified"},
	{"scale", "scale targets not quantified"},
	{"load", "expected load not specified"},
	{"concurrent", "concurrency model not specified"},
	{"deploy", "deployment environment not specified"},
	{"cloud", "cloud provider/configuration not specified"},
}

// KeywordClassifier is the deterministic keyword-weighting scorer.
// It has no state; identical text always produces identical results.
type KeywordClassifier struct{}

func NewKeyword() KeywordClassifier { return KeywordClassifier{} }

func (KeywordClassifier) Classify(text string) (Result, error) {
	if len([]rune(strings.TrimSpace(text))) < MinClaimLength {
		return Result{}, ErrInvalidClaim
	}
	lower := strings.ToLower(text)

	scores := make(map[string]float64, len(Dimensions))
	for _, d := range Dimensions {
		scores[d] = 0
	}
	for _, rule := range dimensionRules {
		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		// Base score on first hit, small bump per extra keyword, capped at 1.
		s := rule.score + 0.1*float64(hits-1)
		if s > 1 {
			s = 1
		}
		scores[rule.dimension] = s
	}

	return Result{
		Dimensions:  scores,
		RedFlags:    matchNotes(lower, redFlagPatterns),
		Ambiguities: matchNotes(lower, ambiguityPatterns),
	}, nil
}

func matchNotes(lower string, patterns []patternNote) []string {
	seen := map[string]bool{}
	var notes []string
	for _, p := range patterns {
		if strings.Contains(lower, p.pattern) && !seen[p.note] {
			seen[p.note] = true
			notes = append(notes, p.note)
		}
	}
	sort.Strings(notes)
	return notes
}
