// Package scoring computes trust-weighted confidence scores for signal
// clusters and incidents. The scorer is a pure function over its evidence
// set: no clocks, no I/O, no randomness, so recomputing over unchanged
// evidence always reproduces the same score.
package scoring

import (
	"context"
	"sort"

	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/trust"
)

// Evaluator is the external AI collaborator consulted during scoring. Real
// implementations call out over the network with a bounded timeout; tests
// inject deterministic stubs.
type Evaluator interface {
	Evaluate(ctx context.Context, incident domain.Incident, signals []domain.Signal) (domain.Evaluation, error)
}

// Evidence is everything a score is computed from.
type Evidence struct {
	Signals       []domain.Signal
	Verifications []domain.Verification
	Evaluation    *domain.Evaluation // optional AI verdict, merged when present
}

// Result is the scorer's output.
type Result struct {
	// Score is the merged confidence in [0,1].
	Score float64
	// RuleScore is the rule-based component before any AI merge.
	RuleScore float64
	// HasOfficial is true when at least one catalogued official source contributed.
	HasOfficial bool
	// Categories is the number of distinct named source categories present.
	Categories int
	// Consistency is the AI verdict when present, otherwise derived from
	// category diversity.
	Consistency domain.Consistency
	// ResolveWeight is the summed reputation of "resolved" verifications;
	// the lifecycle manager compares it against the resolve threshold.
	ResolveWeight float64
}

// Scorer computes confidence scores from a trust table and policy thresholds.
type Scorer struct {
	trust  *trust.Table
	policy config.Policy
}

// New creates a Scorer. Both inputs are immutable, so a Scorer is safe for
// concurrent use.
func New(table *trust.Table, policy config.Policy) *Scorer {
	return &Scorer{trust: table, policy: policy}
}

// Score computes the confidence for an evidence set.
//
// The rule-based component sums distinct signals' source weights (capped at
// 1.0), applies the category-diversity bonus, adds bounded verification
// deltas, and floor-boosts when an official source is present. When an AI
// evaluation is attached the final score is the weighted average of the rule
// score and the AI confidence; neither side can fully override the other.
func (s *Scorer) Score(ev Evidence) Result {
	res := Result{}

	// Sum weights over distinct signals in a fixed order so float addition
	// is reproducible regardless of input order.
	seen := make(map[string]domain.Signal, len(ev.Signals))
	ids := make([]string, 0, len(ev.Signals))
	for _, sig := range ev.Signals {
		if _, dup := seen[sig.ID]; dup {
			continue
		}
		seen[sig.ID] = sig
		ids = append(ids, sig.ID)
	}
	sort.Strings(ids)

	categories := map[trust.Category]bool{}
	base := 0.0
	for _, id := range ids {
		sig := seen[id]
		base += s.trust.Weight(sig.Source)
		switch cat := s.trust.Category(sig.Source); cat {
		case trust.CategoryUnknown:
			// Unknown sources contribute weight but never diversity.
		default:
			categories[cat] = true
		}
		if s.trust.IsOfficial(sig.Source) {
			res.HasOfficial = true
		}
	}
	base = clamp01(base)
	res.Categories = len(categories)

	// Independent-category agreement is stronger evidence than repeated
	// posts from one category.
	if res.Categories >= 2 {
		factor := 1 + (s.policy.DiversityBonus-1)*float64(res.Categories-1)
		base = clamp01(base * factor)
	}

	base = s.applyVerifications(&res, ev.Verifications, base)

	if res.HasOfficial && base < s.policy.OfficialFloor {
		base = s.policy.OfficialFloor
	}
	res.RuleScore = base

	res.Score = base
	if ev.Evaluation != nil {
		w := s.policy.AIMergeWeight
		res.Score = clamp01((1-w)*base + w*ev.Evaluation.ConfidenceScore)
		res.Consistency = ev.Evaluation.Consistency
	} else {
		res.Consistency = derivedConsistency(res.Categories)
	}

	// The official floor holds through the AI merge: a single malfunctioning
	// evaluation must not drag an official-source incident below urgent.
	if res.HasOfficial && res.Score < s.policy.OfficialFloor {
		res.Score = s.policy.OfficialFloor
	}

	return res
}

// applyVerifications folds user feedback into the score. Resolved
// verifications are tallied for the lifecycle manager, not scored here.
func (s *Scorer) applyVerifications(res *Result, vs []domain.Verification, score float64) float64 {
	sorted := make([]domain.Verification, len(vs))
	copy(sorted, vs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, v := range sorted {
		rep := clamp01(v.Reputation)
		switch v.Type {
		case domain.VerifyConfirm, domain.VerifyStillHappening:
			score = clamp01(score + s.policy.VerificationDelta*rep)
		case domain.VerifyFalse:
			score = clamp01(score - s.policy.VerificationDelta*rep)
		case domain.VerifyResolved:
			res.ResolveWeight += rep
		}
	}
	return score
}

// SeverityFor maps a confidence score to the coarse severity scale carried
// on the incident.
func SeverityFor(score float64) domain.Severity {
	switch {
	case score >= 0.75:
		return domain.SeverityHigh
	case score >= 0.50:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func derivedConsistency(categories int) domain.Consistency {
	switch {
	case categories >= 3:
		return domain.ConsistencyStrong
	case categories == 2:
		return domain.ConsistencyModerate
	default:
		return domain.ConsistencyWeak
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
