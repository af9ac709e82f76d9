// Package match selects eligible validators for a task: filter by activity,
// skills and reputation, exclude the claim author, then draw the required
// count by weighted random sampling without replacement.
package match

import (
	"errors"
	"math/rand"
	"sort"

	"veritrust/internal/domain"
)

// ErrInsufficientValidators means the eligible pool after filtering is
// smaller than the task's min_validators. The task stays pending; this is
// reported, never silently degraded.
var ErrInsufficientValidators = errors.New("insufficient eligible validators")

type Matcher struct {
	// ReputationRatio gates eligibility at ratio * max reputation observed
	// in the pool. With an all-zero pool everyone passes, so a cold-start
	// network can still be matched.
	ReputationRatio float64
	Rand            *rand.Rand
}

func New(ratio float64, rnd *rand.Rand) Matcher {
	return Matcher{ReputationRatio: ratio, Rand: rnd}
}

// Select returns exactly task.MinValidators distinct wallets from the pool.
// The claim author is excluded unconditionally.
func (m Matcher) Select(task domain.Task, pool []domain.Validator, excludeWallet string) ([]string, error) {
	eligible := m.eligible(task, pool, excludeWallet)
	if len(eligible) < task.MinValidators {
		return nil, ErrInsufficientValidators
	}
	return m.sample(eligible, task.MinValidators), nil
}

// Eligible exposes the filter steps without sampling, for operator tooling.
func (m Matcher) Eligible(task domain.Task, pool []domain.Validator, excludeWallet string) []domain.Validator {
	return m.eligible(task, pool, excludeWallet)
}

func (m Matcher) eligible(task domain.Task, pool []domain.Validator, excludeWallet string) []domain.Validator {
	maxRep := 0
	for _, v := range pool {
		if v.Active && v.Reputation > maxRep {
			maxRep = v.Reputation
		}
	}
	// Float compare, not int truncation: with maxRep 9 and ratio 0.6 the
	// gate is 5.4, so reputation 5 must not pass.
	floor := m.ReputationRatio * float64(maxRep)

	var eligible []domain.Validator
	for _, v := range pool {
		if !v.Active {
			continue
		}
		if !skillsIntersect(v.Skills, task.RequiredSkills) {
			continue
		}
		if float64(v.Reputation) < floor {
			continue
		}
		if v.Wallet == excludeWallet {
			continue
		}
		eligible = append(eligible, v)
	}
	// Stable order so sampling depends only on the seed, not map iteration.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Wallet < eligible[j].Wallet })
	return eligible
}

func skillsIntersect(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if set[s] {
			return true
		}
	}
	return false
}

// sample draws n distinct validators, weight proportional to reputation
// with +1 smoothing so zero-reputation validators keep a nonzero chance.
func (m Matcher) sample(pool []domain.Validator, n int) []string {
	remaining := append([]domain.Validator(nil), pool...)
	selected := make([]string, 0, n)
	for len(selected) < n && len(remaining) > 0 {
		total := 0
		for _, v := range remaining {
			total += v.Reputation + 1
		}
		r := m.Rand.Intn(total)
		cum := 0
		for i, v := range remaining {
			cum += v.Reputation + 1
			if cum > r {
				selected = append(selected, v.Wallet)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return selected
}
