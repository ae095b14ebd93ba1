package buildable

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
)

var l93 = geometry.Lambert93

func division(id, wkt string) model.Division {
	return model.NewDivision(id, id, model.LevelFine, geometry.MustWKT(wkt, l93))
}

func TestCompute(t *testing.T) {
	square := division("sq", "POLYGON((0 0,1000 0,1000 1000,0 1000,0 0))")

	tests := []struct {
		name      string
		exclusion geometry.Geometry
		area      float64
		pct       float64
	}{
		{
			name:      "empty exclusion keeps division",
			exclusion: geometry.Empty(l93),
			area:      1_000_000,
			pct:       100,
		},
		{
			name:      "inner exclusion",
			exclusion: geometry.MustWKT("POLYGON((100 100,500 100,500 600,100 600,100 100))", l93),
			area:      800_000,
			pct:       80,
		},
		{
			name:      "partial overlap outside",
			exclusion: geometry.MustWKT("POLYGON((900 0,2000 0,2000 1000,900 1000,900 0))", l93),
			area:      900_000,
			pct:       90,
		},
		{
			name:      "full cover",
			exclusion: geometry.MustWKT("POLYGON((-10 -10,1010 -10,1010 1010,-10 1010,-10 -10))", l93),
			area:      0,
			pct:       0,
		},
		{
			name:      "one third",
			exclusion: geometry.MustWKT("POLYGON((0 0,1000 0,1000 666.6666666667,0 666.6666666667,0 0))", l93),
			area:      333_333.3333333,
			pct:       33.3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewComputer(geometry.NewNormalizer(), l93, Options{Concurrency: 2})
			out, err := c.Compute(context.Background(), []model.Division{square}, tt.exclusion)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "sq", out[0].DivisionID)
			assert.InDelta(t, tt.area, out[0].BuildableArea, 1e-3)
			assert.InDelta(t, tt.pct, out[0].BuildablePercentage, 1e-9)
			assert.False(t, out[0].Degraded)
			assert.LessOrEqual(t, out[0].BuildableArea, square.TotalArea)
		})
	}
}

func TestCompute_PreservesOrderAcrossWorkers(t *testing.T) {
	var divs []model.Division
	for i := 0; i < 20; i++ {
		x := float64(i * 100)
		g := geometry.MustWKT(
			"POLYGON(("+f(x)+" 0,"+f(x+100)+" 0,"+f(x+100)+" 100,"+f(x)+" 100,"+f(x)+" 0))", l93)
		divs = append(divs, model.NewDivision(f(float64(i)), "", model.LevelFine, g))
	}
	excl := geometry.MustWKT("POLYGON((0 0,1000 0,1000 50,0 50,0 0))", l93)

	out, err := NewComputer(geometry.NewNormalizer(), l93, Options{Concurrency: 4}).
		Compute(context.Background(), divs, excl)
	require.NoError(t, err)
	require.Len(t, out, 20)
	for i, b := range out {
		assert.Equal(t, divs[i].ID, b.DivisionID)
		if i < 10 {
			assert.InDelta(t, 50, b.BuildablePercentage, 1e-9)
		} else {
			assert.InDelta(t, 100, b.BuildablePercentage, 1e-9)
		}
	}
}

func TestCompute_DifferenceFailureDegradesOneDivision(t *testing.T) {
	a := division("a", "POLYGON((0 0,10 0,10 10,0 10,0 0))")
	b := division("b", "POLYGON((20 0,30 0,30 10,20 10,20 0))")
	excl := geometry.MustWKT("POLYGON((0 0,30 0,30 5,0 5,0 0))", l93)

	c := NewComputer(geometry.NewNormalizer(), l93, Options{})
	c.diff = func(x, y geometry.Geometry) (geometry.Geometry, error) {
		if geometry.EqualTopo(x, a.Geometry) {
			return geometry.Geometry{}, errors.New("TopologyException")
		}
		return geometry.Difference(x, y)
	}

	out, err := c.Compute(context.Background(), []model.Division{a, b}, excl)
	require.NoError(t, err)
	assert.True(t, out[0].Degraded)
	assert.InDelta(t, 100, out[0].BuildablePercentage, 1e-9)
	assert.False(t, out[1].Degraded)
	assert.InDelta(t, 50, out[1].BuildablePercentage, 1e-9)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewComputer(geometry.NewNormalizer(), l93, Options{}).
		Compute(ctx, []model.Division{division("a", "POLYGON((0 0,1 0,1 1,0 1,0 0))")}, geometry.Empty(l93))
	assert.Error(t, err)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(10, 0))
	assert.Equal(t, 80.0, Percentage(800_000, 1_000_000))
	assert.Equal(t, 66.7, Percentage(2, 3))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1, 10))
	assert.Equal(t, 10.0, Clamp(10.0000001, 10))
	assert.Equal(t, 5.0, Clamp(5, 10))
}

func f(v float64) string {
	return model.FormatCell(v)
}
