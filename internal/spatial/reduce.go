package spatial

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/density-cli/internal/model"
)

// Reducer names an aggregation function.
type Reducer string

// Supported reducers.
const (
	ReducerSum   Reducer = "sum"
	ReducerMean  Reducer = "mean"
	ReducerCount Reducer = "count"
	ReducerMax   Reducer = "max"
	ReducerMin   Reducer = "min"
)

// ErrUnknownReducer is returned for an unsupported reducer name.
var ErrUnknownReducer = eris.New("spatial: unknown reducer")

// ParseReducer validates a reducer name.
func ParseReducer(s string) (Reducer, error) {
	r := Reducer(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ReducerSum, ReducerMean, ReducerCount, ReducerMax, ReducerMin:
		return r, nil
	default:
		return "", eris.Wrapf(ErrUnknownReducer, "%q", s)
	}
}

// ColumnName is the result column for field reduced by r, e.g. M2_PL_TOT_sum.
func ColumnName(field string, r Reducer) string {
	return field + "_" + string(r)
}

type group struct {
	division int
	id       string
	pairs    int
	values   []float64
	weights  []float64
	weightN  float64
}

// Aggregate reduces feature values per division. count counts pairs and
// ignores values; the other reducers skip features without a value.
// Divisions with nothing to reduce are absent from the result, which is
// ordered by division index.
func Aggregate(pairs []Pair, features []model.Feature, field string, r Reducer) ([]model.AggregationResult, error) {
	if _, err := ParseReducer(string(r)); err != nil {
		return nil, err
	}
	column := ColumnName(field, r)

	groups := make(map[int]*group)
	for _, p := range pairs {
		g, ok := groups[p.Division]
		if !ok {
			g = &group{division: p.Division, id: p.DivisionID}
			groups[p.Division] = g
		}
		g.pairs++
		g.weightN += p.Weight
		if p.Feature < 0 || p.Feature >= len(features) {
			continue
		}
		if v := features[p.Feature].Value; v != nil {
			g.values = append(g.values, *v)
			g.weights = append(g.weights, p.Weight)
		}
	}

	order := make([]int, 0, len(groups))
	for k := range groups {
		order = append(order, k)
	}
	sort.Ints(order)

	out := make([]model.AggregationResult, 0, len(order))
	for _, k := range order {
		g := groups[k]
		res := model.AggregationResult{DivisionID: g.id, Column: column, Matched: g.pairs}
		if r == ReducerCount {
			res.Value = g.weightN
			out = append(out, res)
			continue
		}
		if len(g.values) == 0 {
			continue
		}
		switch r {
		case ReducerSum:
			res.Value = floats.Dot(g.values, g.weights)
		case ReducerMean:
			res.Value = stat.Mean(g.values, g.weights)
		case ReducerMax:
			res.Value = floats.Max(g.values)
		case ReducerMin:
			res.Value = floats.Min(g.values)
		}
		if math.IsNaN(res.Value) {
			res.Value = 0
		}
		out = append(out, res)
	}
	return out, nil
}

// MergeBack returns one result per division in division order. Divisions
// without a result get value 0.
func MergeBack(divisions []model.Division, column string, results []model.AggregationResult) []model.AggregationResult {
	byID := make(map[string]model.AggregationResult, len(results))
	for _, r := range results {
		byID[r.DivisionID] = r
	}
	out := make([]model.AggregationResult, len(divisions))
	for i, d := range divisions {
		if r, ok := byID[d.ID]; ok {
			out[i] = r
			continue
		}
		out[i] = model.AggregationResult{DivisionID: d.ID, Column: column}
	}
	return out
}
