package labeler

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	l := New(nil)
	tests := []struct {
		question string
		tags     []string
		want     Sensitivity
	}{
		{"Will the Fed cut rates in March?", nil, SensitivityStrong},
		{"Will the FDA approve the new Alzheimer's drug by June?", nil, SensitivityStrong},
		{"Will Apple announce a foldable iPhone?", nil, SensitivityStrong},
		{"Will the Senate pass the bill?", nil, SensitivityWeak},
		{"Will Bitcoin reach $150k by December?", nil, SensitivityExcluded},
		{"Will the Lakers win the championship?", nil, SensitivityExcluded},
		{"Who will be the next Pope?", []string{"Sports"}, SensitivityExcluded},
		{"Will it snow in Paris on Christmas?", nil, SensitivityNone},
		{"", nil, SensitivityNone},
	}
	for _, tt := range tests {
		if got := l.Classify(tt.question, tt.tags).Sensitivity; got != tt.want {
			t.Fatalf("Classify(%q) = %s, want %s", tt.question, got, tt.want)
		}
	}
}

func TestClassifyWordBoundaries(t *testing.T) {
	l := New(nil)
	// "window" must not trip the "win" exclusion, "fedora" must not trip "fed".
	got := l.Classify("Will the SEC extend the comment window on the fedora ETF?", nil)
	if got.Sensitivity != SensitivityStrong {
		t.Fatalf("sensitivity=%s want=%s", got.Sensitivity, SensitivityStrong)
	}
	if !reflect.DeepEqual(got.Categories, []string{"regulatory"}) {
		t.Fatalf("categories=%v want=[regulatory]", got.Categories)
	}
}

func TestClassifyCollectsCategories(t *testing.T) {
	l := New(nil)
	got := l.Classify("Will the merger be announced before the shareholder meeting?", nil)
	want := []string{"announcement", "corporate", "meeting"}
	if !reflect.DeepEqual(got.Categories, want) {
		t.Fatalf("categories=%v want=%v", got.Categories, want)
	}
}

func TestNilLabeler(t *testing.T) {
	var l *MarketLabeler
	if got := l.Classify("Will the Fed cut rates?", nil); got.Sensitivity != SensitivityNone {
		t.Fatalf("nil labeler sensitivity=%s", got.Sensitivity)
	}
}
