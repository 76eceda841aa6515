package protocol

import (
	"regexp"
	"strings"
)

var (
	finalMarkerRe  = regexp.MustCompile(`(?mi)^[ \t]*FINAL:`)
	planMarkerRe   = regexp.MustCompile(`(?mi)^[ \t]*PLAN:`)
	finalAMarkerRe = regexp.MustCompile(`(?mi)^[ \t]*FINAL_A:`)
	finalBMarkerRe = regexp.MustCompile(`(?mi)^[ \t]*FINAL_B:`)
)

// SplitPlanFinal separates an optional internal plan from the final
// answer. The last line-start FINAL: marker wins; without one the whole
// trimmed text is the final answer. A PLAN: marker before the chosen
// FINAL: delimits the plan; an empty plan is reported as absent.
func SplitPlanFinal(text string) (plan string, final string) {
	finals := finalMarkerRe.FindAllStringIndex(text, -1)
	if len(finals) == 0 {
		return "", strings.TrimSpace(text)
	}
	last := finals[len(finals)-1]
	final = strings.TrimSpace(text[last[1]:])

	head := text[:last[0]]
	if loc := planMarkerRe.FindStringIndex(head); loc != nil {
		plan = strings.TrimSpace(head[loc[1]:])
	}
	return plan, final
}

// HasFinal reports whether the text carries a line-start FINAL: marker.
func HasFinal(text string) bool {
	return finalMarkerRe.MatchString(text)
}

// SplitCompareFinals extracts the two candidate answers of a compare-mode
// reply. It pairs the last FINAL_A: marker with the first FINAL_B: marker
// after it such that both trimmed segments are non-empty; when no such
// pairing exists it reports failure, which the caller treats as a
// formatting problem rather than a crash.
func SplitCompareFinals(text string) (answerA string, answerB string, ok bool) {
	aMarks := finalAMarkerRe.FindAllStringIndex(text, -1)
	if len(aMarks) == 0 {
		return "", "", false
	}
	for i := len(aMarks) - 1; i >= 0; i-- {
		aEnd := aMarks[i][1]
		bLoc := finalBMarkerRe.FindStringIndex(text[aEnd:])
		if bLoc == nil {
			continue
		}
		a := strings.TrimSpace(text[aEnd : aEnd+bLoc[0]])
		b := strings.TrimSpace(text[aEnd+bLoc[1]:])
		if a != "" && b != "" {
			return a, b, true
		}
	}
	return "", "", false
}
