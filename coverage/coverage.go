// Package coverage measures which expected detectors an analysis evaluated.
package coverage

import (
	"sort"

	"github.com/AnTengye/contractguard/model"
)

// Compute maps findings onto the expected detector set. A detector is present
// when any finding with its id carries a valid verdict.
func Compute(expected []string, findings []model.Finding) model.Coverage {
	evaluated := make(map[string]bool, len(findings))
	for _, f := range findings {
		if f.Verdict.Valid() {
			evaluated[f.DetectorID] = true
		}
	}

	seen := make(map[string]bool, len(expected))
	cov := model.Coverage{MissingDetectors: []string{}}
	for _, id := range expected {
		if seen[id] {
			continue
		}
		seen[id] = true
		cov.Total++
		if evaluated[id] {
			cov.Present++
		} else {
			cov.MissingDetectors = append(cov.MissingDetectors, id)
		}
	}
	sort.Strings(cov.MissingDetectors)

	if cov.Total > 0 {
		cov.Percentage = 100 * float64(cov.Present) / float64(cov.Total)
	}
	switch {
	case cov.Present == 0:
		cov.Status = model.CoverageUnknown
	case cov.Present == cov.Total:
		cov.Status = model.CoverageComplete
	default:
		cov.Status = model.CoverageIncomplete
	}
	return cov
}
