package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_ReprojectSameFrameIsNoop(t *testing.T) {
	n := NewNormalizer()
	g := MustWKT(square1km, Lambert93)

	out, err := n.Reproject(g, Lambert93)
	require.NoError(t, err)
	assert.Same(t, g.Geos(), out.Geos())
}

func TestNormalizer_WGS84ToLambert93(t *testing.T) {
	n := NewNormalizer()
	// Paris, Hôtel de Ville.
	p := MustWKT("POINT(2.3522 48.8566)", WGS84)

	out, err := n.Reproject(p, Lambert93)
	require.NoError(t, err)
	assert.Equal(t, Lambert93, out.Frame())

	x, y, _, _, ok := out.Bounds()
	require.True(t, ok)
	assert.InDelta(t, 652_500, x, 1_000)
	assert.InDelta(t, 6_862_000, y, 1_000)
}

func TestNormalizer_RoundTripPreservesArea(t *testing.T) {
	n := NewNormalizer()
	g := MustWKT("POLYGON((650000 6860000,651000 6860000,651000 6861000,650000 6861000,650000 6860000))", Lambert93)

	wgs, err := n.Reproject(g, WGS84)
	require.NoError(t, err)
	assert.Less(t, wgs.Area(), 1.0)

	back, err := n.Reproject(wgs, Lambert93)
	require.NoError(t, err)
	assert.InDelta(t, g.Area(), back.Area(), 1.0)
}

func TestNormalizer_EmptyAndAbsent(t *testing.T) {
	n := NewNormalizer()

	out, err := n.Reproject(Empty(WGS84), Lambert93)
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
	assert.Equal(t, Lambert93, out.Frame())

	out, err = n.Reproject(Geometry{}, Lambert93)
	require.NoError(t, err)
	assert.True(t, out.IsAbsent())
}

func TestNormalizer_UntaggedGeometryFails(t *testing.T) {
	n := NewNormalizer()
	g := MustWKT("POINT(1 1)", Frame{})

	_, err := n.Reproject(g, Lambert93)
	require.Error(t, err)

	out, failed := n.NormalizeAll(Lambert93, []Geometry{g, MustWKT("POINT(2.35 48.85)", WGS84)})
	assert.Equal(t, 1, failed)
	assert.True(t, out[0].IsAbsent())
	assert.Equal(t, Lambert93, out[1].Frame())
}

func TestNormalizer_Ensure(t *testing.T) {
	n := NewNormalizer()
	a := MustWKT(square1km, Lambert93)
	b := MustWKT("POINT(2.35 48.85)", WGS84)

	out := n.Ensure(Lambert93, a, b, Geometry{})
	require.Len(t, out, 3)
	assert.Same(t, a.Geos(), out[0].Geos())
	assert.Equal(t, Lambert93, out[1].Frame())
	assert.True(t, out[2].IsAbsent())
}

func TestNormalizer_CachesTransformers(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Reproject(MustWKT("POINT(2.35 48.85)", WGS84), Lambert93)
	require.NoError(t, err)
	_, err = n.Reproject(MustWKT("POINT(2.36 48.86)", WGS84), Lambert93)
	require.NoError(t, err)
	assert.Len(t, n.transforms, 1)
}
