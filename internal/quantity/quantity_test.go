package quantity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	q, err := Parse("4GB")
	require.NoError(t, err)
	require.Equal(t, DimensionMemory, q.Dimension())
	require.Equal(t, "4GB", q.String())
}

func TestCanonicalRoundTrip(t *testing.T) {
	q := MustNew(2, "GiB")
	converted, err := q.In("MiB")
	require.NoError(t, err)
	require.InDelta(t, 2048, converted.Value(), 1e-9)

	back, err := converted.In("GiB")
	require.NoError(t, err)
	require.InDelta(t, 2, back.Value(), 1e-9)
}

func TestAddSameDimension(t *testing.T) {
	a := MustNew(1, "GB")
	b := MustNew(500, "MB")
	sum, err := a.Add(b)
	require.NoError(t, err)
	require.InDelta(t, 1.5, sum.Value(), 1e-9)
}

func TestAddDimensionMismatchFails(t *testing.T) {
	a := MustNew(1, "GB")
	b := MustNew(1, "h")
	_, err := a.Add(b)
	require.ErrorAs(t, err, &ErrDimensionMismatch{})
}

func TestMulScalar(t *testing.T) {
	a := MustNew(2, "GB")
	require.InDelta(t, 8, a.Mul(4).Value(), 1e-9)
}

func TestRatioIsDimensionless(t *testing.T) {
	a := MustNew(4, "GB")
	b := MustNew(2, "GB")
	ratio, err := a.Ratio(b)
	require.NoError(t, err)
	require.InDelta(t, 2, ratio, 1e-9)
}

func TestRatioDimensionMismatchFails(t *testing.T) {
	a := MustNew(4, "GB")
	b := MustNew(2, "h")
	_, err := a.Ratio(b)
	require.Error(t, err)
}

func TestCmp(t *testing.T) {
	a := MustNew(1, "GiB")
	b := MustNew(1024, "MiB")
	c, err := a.Cmp(b)
	require.NoError(t, err)
	require.Equal(t, 0, c)
}

func TestUnknownUnit(t *testing.T) {
	_, err := Parse("5XB")
	require.ErrorAs(t, err, &ErrUnknownUnit{})
}
