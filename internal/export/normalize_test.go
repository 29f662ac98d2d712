package export

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseForm() map[string]string {
	return map[string]string{
		FieldDataset:       "USGS/NED",
		FieldTopLat:        "44.70",
		FieldTopLon:        "-107.98",
		FieldBottomLat:     "44.50",
		FieldBottomLon:     "-108.25",
		FieldPrintRes:      "0.5",
		FieldTilesX:        "1",
		FieldTilesY:        "1",
		FieldTileWidth:     "80",
		FieldBaseThickness: "2",
		FieldZScale:        "1.5",
		FieldFormat:        "STLb",
	}
}

func TestNormalizeBaseFields(t *testing.T) {
	t.Parallel()

	req, auxErr, err := Normalize(baseForm())
	require.NoError(t, err)
	require.Nil(t, auxErr)
	require.Equal(t, "USGS/NED", req.Dataset)
	require.Equal(t, Microdegrees(44_500_000), req.Box.BottomLat)
	require.Equal(t, Microdegrees(-108_250_000), req.Box.BottomLon)
	require.InDelta(t, 0.5, req.Print.Resolution, 1e-12)
	require.Equal(t, 1, req.Print.TotalTiles())
	require.Equal(t, FormatSTLb, req.Print.Format)
	require.Nil(t, req.Aux)
	require.False(t, req.OnlySubset())
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldManual] = `"printres": 0.25`
	req, _, err := Normalize(form)
	require.NoError(t, err)
	require.Equal(t, "0.5", form[FieldPrintRes])
	require.Equal(t, "0.25", req.Fields[FieldPrintRes])
}

func TestNormalizeAuxiliaryOverridesBase(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldManual] = `"printres": 0.25, "fileformat": "obj", "only": [1, 1], "smooth": true`
	req, auxErr, err := Normalize(form)
	require.NoError(t, err)
	require.Nil(t, auxErr)
	require.InDelta(t, 0.25, req.Print.Resolution, 1e-12)
	require.Equal(t, FormatOBJ, req.Print.Format)
	require.Equal(t, "true", req.Fields["smooth"])
	require.Equal(t, "[1,1]", req.Fields[AuxOnlyKey])
	require.True(t, req.OnlySubset())
	require.Equal(t, []any{json.Number("1"), json.Number("1")}, req.Aux[AuxOnlyKey])
}

func TestNormalizeBadAuxiliaryIsWarning(t *testing.T) {
	t.Parallel()

	for _, manual := range []string{`printres: 0.25`, `"printres": 0.25}{`, `"a": 1} {"b": 2`} {
		form := baseForm()
		form[FieldManual] = manual
		req, auxErr, err := Normalize(form)
		require.NoError(t, err, manual)
		require.NotNil(t, auxErr, manual)
		require.Equal(t, manual, auxErr.Raw)
		require.Nil(t, req.Aux)
		require.InDelta(t, 0.5, req.Print.Resolution, 1e-12, "base field untouched")
	}
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate func(map[string]string)
		field  string
	}{
		"missing dataset":   {func(f map[string]string) { delete(f, FieldDataset) }, FieldDataset},
		"blank latitude":    {func(f map[string]string) { f[FieldTopLat] = "  " }, FieldTopLat},
		"non-numeric width": {func(f map[string]string) { f[FieldTileWidth] = "wide" }, FieldTileWidth},
		"infinite zscale":   {func(f map[string]string) { f[FieldZScale] = "Inf" }, FieldZScale},
		"zero tiles":        {func(f map[string]string) { f[FieldTilesX] = "0" }, FieldTilesX},
		"unknown format":    {func(f map[string]string) { f[FieldFormat] = "3mf" }, FieldFormat},
		"huge tile count":   {func(f map[string]string) { f[FieldTilesY] = "4294967296" }, FieldTilesY},
		"tile grid too big": {func(f map[string]string) { f[FieldTilesX], f[FieldTilesY] = "200", "200" }, FieldTilesX},
		"latitude too big":  {func(f map[string]string) { f[FieldBottomLat] = "1e300" }, FieldBottomLat},
		"longitude too big": {func(f map[string]string) { f[FieldTopLon] = "-360.5" }, FieldTopLon},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			form := baseForm()
			tc.mutate(form)
			req, _, err := Normalize(form)
			require.ErrorIs(t, err, ErrMalformedRequest)
			var mre *MalformedRequestError
			require.True(t, errors.As(err, &mre))
			require.Equal(t, tc.field, mre.Field)
			require.Equal(t, form[FieldBottomLon], req.Fields[FieldBottomLon], "raw fields kept for echo")
		})
	}
}

func TestNormalizeTruncatesCoordinates(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldTopLat] = "44.1234567"
	form[FieldTopLon] = "-107.9999999"
	req, _, err := Normalize(form)
	require.NoError(t, err)
	require.Equal(t, Microdegrees(44_123_456), req.Box.TopLat)
	require.Equal(t, Microdegrees(-107_999_999), req.Box.TopLon)
}

func TestNormalizeAcceptsBoundaryValues(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldTilesX] = "100"
	form[FieldTilesY] = "100"
	form[FieldTopLon] = "360"
	req, _, err := Normalize(form)
	require.NoError(t, err)
	require.Equal(t, MaxTiles, req.Print.TotalTiles())
	require.Equal(t, Microdegrees(360_000_000), req.Box.TopLon)
}

func TestToMicrodegreesSaturates(t *testing.T) {
	t.Parallel()

	require.Equal(t, Microdegrees(math.MaxInt64), ToMicrodegrees(1e300))
	require.Equal(t, Microdegrees(math.MinInt64), ToMicrodegrees(-1e300))
	require.Equal(t, Microdegrees(0), ToMicrodegrees(math.NaN()))
	require.Equal(t, Microdegrees(-1_500_000), ToMicrodegrees(-1.5))
}
