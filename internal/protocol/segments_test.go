package protocol

import "testing"

func TestSplitPlanFinalNoMarker(t *testing.T) {
	plan, final := SplitPlanFinal("  just an answer  ")
	if plan != "" {
		t.Errorf("Expected no plan, got %q", plan)
	}
	if final != "just an answer" {
		t.Errorf("Expected trimmed original text, got %q", final)
	}
}

func TestSplitPlanFinalWithPlan(t *testing.T) {
	plan, final := SplitPlanFinal("PLAN:\nfoo\nFINAL:\nbar")
	if plan != "foo" {
		t.Errorf("Expected plan foo, got %q", plan)
	}
	if final != "bar" {
		t.Errorf("Expected final bar, got %q", final)
	}
}

func TestSplitPlanFinalLastMarkerWins(t *testing.T) {
	_, final := SplitPlanFinal("FINAL:\ndraft\nFINAL:\nreal answer")
	if final != "real answer" {
		t.Errorf("Expected last final to win, got %q", final)
	}
}

func TestSplitPlanFinalCaseInsensitive(t *testing.T) {
	plan, final := SplitPlanFinal("plan:\nthink\nfinal:\nanswer")
	if plan != "think" || final != "answer" {
		t.Errorf("Expected (think, answer), got (%q, %q)", plan, final)
	}
}

func TestSplitPlanFinalEmptyPlanDropped(t *testing.T) {
	plan, final := SplitPlanFinal("PLAN:\nFINAL:\nanswer")
	if plan != "" {
		t.Errorf("Expected empty plan treated as absent, got %q", plan)
	}
	if final != "answer" {
		t.Errorf("Expected answer, got %q", final)
	}
}

func TestSplitPlanFinalIgnoresCompareMarkers(t *testing.T) {
	_, final := SplitPlanFinal("FINAL_A:\nnot it\nFINAL:\nyes")
	if final != "yes" {
		t.Errorf("Expected yes, got %q", final)
	}
}

func TestSplitCompareFinals(t *testing.T) {
	a, b, ok := SplitCompareFinals("FINAL_A:\nanswer one\nFINAL_B:\nanswer two")
	if !ok {
		t.Fatal("Expected a valid pairing")
	}
	if a != "answer one" || b != "answer two" {
		t.Errorf("Expected (answer one, answer two), got (%q, %q)", a, b)
	}
}

func TestSplitCompareFinalsMissingMarker(t *testing.T) {
	if _, _, ok := SplitCompareFinals("FINAL_A:\nonly one answer"); ok {
		t.Error("Expected failure without FINAL_B")
	}
	if _, _, ok := SplitCompareFinals("FINAL_B:\nonly b"); ok {
		t.Error("Expected failure without FINAL_A")
	}
}

func TestSplitCompareFinalsEmptySegments(t *testing.T) {
	if _, _, ok := SplitCompareFinals("FINAL_A:\nFINAL_B:\nb only"); ok {
		t.Error("Expected failure when segment A is empty")
	}
}

func TestSplitCompareFinalsFallsBackToEarlierPair(t *testing.T) {
	// The last FINAL_A has no FINAL_B after it; the earlier pair is valid.
	a, b, ok := SplitCompareFinals("FINAL_A:\none\nFINAL_B:\ntwo\nFINAL_A:\ndangling")
	if !ok {
		t.Fatal("Expected the earlier pairing to be used")
	}
	if a != "one" {
		t.Errorf("Expected a=one, got %q", a)
	}
	if b != "two\nFINAL_A:\ndangling" {
		t.Errorf("Unexpected b segment: %q", b)
	}
}
