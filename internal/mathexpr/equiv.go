package mathexpr

import "math"

const numericTolerance = 1e-4

// Sample assignments for the symbolic check. Values avoid integers and
// simple rationals so algebraically distinct polynomials are unlikely to
// collide on every point.
var sampleBases = []float64{0.517, 1.293, 2.741, -1.137, 3.462}

// Equivalent reports whether a student answer matches the canonical
// answer. It applies an ordered cascade, first success wins: exact match
// of normalized strings, numeric comparison within tolerance, then a
// symbolic check by sampling. Each strategy degrades to a miss on parse
// failure; the function never returns an error.
func Equivalent(student, correct string) bool {
	ns := Normalize(student)
	nc := Normalize(correct)

	if ns == nc {
		return true
	}

	if numericMatch(ns, nc) {
		return true
	}

	return symbolicMatch(ns, nc)
}

func numericMatch(a, b string) bool {
	av, err := Eval(a)
	if err != nil {
		return false
	}
	bv, err := Eval(b)
	if err != nil {
		return false
	}
	return math.Abs(av-bv) < numericTolerance
}

// symbolicMatch evaluates both expressions at several sampled variable
// assignments and treats them as equivalent when the difference vanishes
// at every sample. This reproduces "simplify(a-b) == 0" without a
// computer algebra system: identical rational expressions agree
// everywhere, distinct ones disagree on almost every point.
func symbolicMatch(a, b string) bool {
	na, varsA, err := parse(a)
	if err != nil {
		return false
	}
	nb, varsB, err := parse(b)
	if err != nil {
		return false
	}

	names := make([]string, 0, len(varsA)+len(varsB))
	seen := make(map[string]bool)
	for _, v := range append(append([]string{}, varsA...), varsB...) {
		if !seen[v] {
			seen[v] = true
			names = append(names, v)
		}
	}

	matched := 0
	for _, base := range sampleBases {
		vars := make(map[string]float64, len(names))
		for i, name := range names {
			vars[name] = base + float64(i)*0.7321
		}
		av, err := na.eval(vars)
		if err != nil {
			continue
		}
		bv, err := nb.eval(vars)
		if err != nil {
			continue
		}
		if math.IsNaN(av) || math.IsInf(av, 0) || math.IsNaN(bv) || math.IsInf(bv, 0) {
			continue
		}
		scale := math.Max(1, math.Max(math.Abs(av), math.Abs(bv)))
		if math.Abs(av-bv) > 1e-6*scale {
			return false
		}
		matched++
	}
	return matched > 0
}
