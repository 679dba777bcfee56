package chat

import (
	"strings"
	"testing"

	"finbot/pkg/vector"
)

func TestFilterMatchesThreshold(t *testing.T) {
	matches := []vector.Match{
		match("a", "A", "Card limits can be raised in the app settings.", 0.95),
		match("b", "B", "Completely unrelated passage about something else.", 0.29),
	}
	got := filterMatches("card limits", matches, 0.3)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only the above-threshold match, got %+v", got)
	}
}

func TestFilterMatchesTokenOverlapRequiredInMidBand(t *testing.T) {
	// Score in (threshold, 0.7]: kept only when a query token appears
	// in the passage text.
	overlapping := match("a", "A", "Monthly statement fees are waived for students.", 0.5)
	unrelated := match("b", "B", "Our branches open at nine in the morning daily.", 0.5)

	got := filterMatches("statement fees", []vector.Match{overlapping, unrelated}, 0.3)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only the overlapping match, got %+v", got)
	}
}

func TestFilterMatchesHighConfidenceSkipsOverlap(t *testing.T) {
	// Above 0.7 no token overlap is required.
	got := filterMatches("zzz", []vector.Match{
		match("a", "A", "Nothing here resembles the query at all, honestly.", 0.71),
	}, 0.3)
	if len(got) != 1 {
		t.Fatalf("expected high-confidence match kept, got %+v", got)
	}
}

func TestFilterMatchesOverlapIsCaseInsensitive(t *testing.T) {
	got := filterMatches("REFUND policy", []vector.Match{
		match("a", "A", "Refund requests are processed within five days.", 0.5),
	}, 0.3)
	if len(got) != 1 {
		t.Fatalf("expected case-insensitive overlap to keep match, got %+v", got)
	}
}

func TestFilterMatchesDropsShortPassages(t *testing.T) {
	got := filterMatches("refund", []vector.Match{
		match("a", "A", "refund: yes", 0.99),
	}, 0.3)
	if len(got) != 0 {
		t.Fatalf("expected short passage dropped, got %+v", got)
	}
}

func TestFilterMatchesSortsByScoreDescending(t *testing.T) {
	got := filterMatches("account", []vector.Match{
		match("low", "L", "Your account number is printed on every statement.", 0.4),
		match("high", "H", "Closing an account requires a zero balance first.", 0.9),
		match("mid", "M", "Joint account holders share full access rights.", 0.6),
	}, 0.3)
	if len(got) != 3 {
		t.Fatalf("expected all three kept, got %d", len(got))
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "high,mid,low" {
		t.Fatalf("unexpected order %v", ids)
	}
}
