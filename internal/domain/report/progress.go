package report

import "math"

// OverallProgress averages the per-section completion. A complete section
// counts as 100 regardless of its reported percentage.
func OverallProgress(cp map[string]SectionProgress) int {
	return WeightedProgress(cp, nil)
}

// WeightedProgress is OverallProgress with per-section weights. Sections
// without a weight count once; sections with a non-positive weight are
// ignored.
func WeightedProgress(cp map[string]SectionProgress, weights map[string]float64) int {
	var sum, total float64
	for name, sec := range cp {
		w := 1.0
		if weights != nil {
			if v, ok := weights[name]; ok {
				w = v
			}
		}
		if w <= 0 {
			continue
		}
		sum += w * float64(sectionValue(sec))
		total += w
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(sum / total))
}

func sectionValue(sec SectionProgress) int {
	if sec.IsComplete {
		return 100
	}
	switch {
	case sec.Progress < 0:
		return 0
	case sec.Progress > 100:
		return 100
	}
	return sec.Progress
}

// CompletedSections counts sections flagged complete.
func CompletedSections(cp map[string]SectionProgress) int {
	n := 0
	for _, sec := range cp {
		if sec.IsComplete {
			n++
		}
	}
	return n
}
