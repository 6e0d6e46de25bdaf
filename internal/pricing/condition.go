package pricing

import (
	"math"
	"strconv"

	"github.com/sells-group/card-appraiser/internal/textnorm"
)

// Grade ordinals run 1 (poor) to 10 (gem mint). Zero means unknown.
const (
	GradeUnknown = 0
	GradeMin     = 1
	GradeMax     = 10
)

type conditionPhrase struct {
	tokens []string
	grade  int
}

// conditionVocabulary maps grading-company labels and marketplace
// shorthand onto the 1-10 scale. Longer phrases come first so "near mint
// mint" wins over "near mint" and "mint".
var conditionVocabulary = []conditionPhrase{
	{[]string{"black", "label"}, 10},
	{[]string{"gem", "mint"}, 10},
	{[]string{"gem", "mt"}, 10},
	{[]string{"pristine"}, 10},
	{[]string{"near", "mint", "mint"}, 8},
	{[]string{"nm", "mt"}, 8},
	{[]string{"nmmt"}, 8},
	{[]string{"excellent", "mint"}, 6},
	{[]string{"ex", "mt"}, 6},
	{[]string{"exmt"}, 6},
	{[]string{"very", "good", "excellent"}, 4},
	{[]string{"vg", "ex"}, 4},
	{[]string{"near", "mint"}, 7},
	{[]string{"nm"}, 7},
	{[]string{"mint"}, 9},
	{[]string{"mt"}, 9},
	{[]string{"lightly", "played"}, 5},
	{[]string{"lp"}, 5},
	{[]string{"excellent"}, 5},
	{[]string{"ex"}, 5},
	{[]string{"moderately", "played"}, 4},
	{[]string{"mp"}, 4},
	{[]string{"very", "good"}, 3},
	{[]string{"vg"}, 3},
	{[]string{"heavily", "played"}, 2},
	{[]string{"hp"}, 2},
	{[]string{"good"}, 2},
	{[]string{"gd"}, 2},
	{[]string{"damaged"}, 1},
	{[]string{"dmg"}, 1},
	{[]string{"poor"}, 1},
	{[]string{"fair"}, 1},
}

// Grade maps a free-text condition onto the ordinal scale. Numeric grades
// ("PSA 10", "BGS 9.5") round down; otherwise the vocabulary is matched on
// folded tokens. Unrecognised text yields GradeUnknown.
func Grade(condition string) int {
	tokens := textnorm.Tokens(condition)
	for _, tok := range tokens {
		if v, err := strconv.ParseFloat(tok, 64); err == nil && v >= GradeMin && v <= GradeMax {
			return int(math.Floor(v))
		}
	}
	for _, p := range conditionVocabulary {
		if containsRun(tokens, p.tokens) {
			return p.grade
		}
	}
	return GradeUnknown
}

func containsRun(tokens, run []string) bool {
	if len(run) == 0 || len(run) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(tokens); i++ {
		for j, r := range run {
			if tokens[i+j] != r {
				continue outer
			}
		}
		return true
	}
	return false
}
