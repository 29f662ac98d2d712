package export

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDegreeSpanProperties(t *testing.T) {
	t.Parallel()

	values := []float64{-540, -360, -180, -179.5, -90, -0.25, 0, 0.27, 44.5, 90, 179.9, 180, 359, 725}
	for _, a := range values {
		for _, b := range values {
			d := DegreeSpan(a, b)
			require.GreaterOrEqual(t, d, 0.0, "%v,%v", a, b)
			require.LessOrEqual(t, d, 180.0, "%v,%v", a, b)
			require.InDelta(t, d, DegreeSpan(b, a), 1e-9, "symmetric %v,%v", a, b)
		}
	}
}

func TestDegreeSpanExamples(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.27, DegreeSpan(-108.25, -107.98), 1e-9)
	require.InDelta(t, 0.20, DegreeSpan(44.50, 44.70), 1e-9)
	require.InDelta(t, 2.0, DegreeSpan(179, -179), 1e-9, "crosses the antimeridian")
	require.InDelta(t, 180.0, DegreeSpan(-90, 90), 1e-9)
	require.InDelta(t, 10.0, DegreeSpan(5, 355), 1e-9)
}

func TestEstimatePrintResolution(t *testing.T) {
	t.Parallel()

	req, _, err := Normalize(baseForm())
	require.NoError(t, err)
	est, err := NewEstimator(nil).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, ModePrintResolution, est.Mode)
	require.InDelta(t, 0.27, est.DLon, 1e-5)
	require.InDelta(t, 0.20, est.DLat, 1e-5)
	require.InDelta(t, 59.26, est.TileHeight, 0.01)
	require.InDelta(t, 18963, est.Cells, 3)
	require.InDelta(t, 44.6, est.CenterLat, 1e-5)
}

func sourceForm(dataset string) map[string]string {
	form := baseForm()
	form[FieldDataset] = dataset
	form[FieldPrintRes] = "-1"
	form[FieldBottomLat] = "44.5"
	form[FieldTopLat] = "44.75"
	form[FieldBottomLon] = "-108.25"
	form[FieldTopLon] = "-108"
	return form
}

func TestEstimateSourceResolution(t *testing.T) {
	t.Parallel()

	req, _, err := Normalize(sourceForm("NOAA/NGDC/ETOPO1"))
	require.NoError(t, err)
	est, err := NewEstimator(nil).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, ModeSourceResolution, est.Mode)
	require.InDelta(t, 30.0, est.SourceCellArcSec, 1e-12)
	require.Equal(t, int64(900), est.Cells)
}

func TestEstimateOnlyDividesByTiles(t *testing.T) {
	t.Parallel()

	form := sourceForm("NOAA/NGDC/ETOPO1")
	form[FieldTilesX] = "2"
	form[FieldTilesY] = "2"
	form[FieldManual] = `"only": [1, 2]`
	req, _, err := Normalize(form)
	require.NoError(t, err)
	est, err := NewEstimator(nil).Estimate(req)
	require.NoError(t, err)
	require.InDelta(t, 4.0, est.Divisor, 1e-12)
	require.Equal(t, int64(225), est.Cells)
}

func TestEstimateDatasetLookup(t *testing.T) {
	t.Parallel()

	req, _, err := Normalize(sourceForm("noaa/ngdc/etopo1"))
	require.NoError(t, err)
	est, err := NewEstimator(nil).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, int64(900), est.Cells, "names match case-insensitively")

	req, _, err = Normalize(sourceForm("MARS/MOLA"))
	require.NoError(t, err)
	_, err = NewEstimator(nil).Estimate(req)
	require.ErrorIs(t, err, ErrUnknownDataset)

	est, err = NewEstimator(map[string]float64{"MARS/MOLA": 15}).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, int64(3600), est.Cells)
}

func TestEstimateDegenerateBox(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldTopLon] = form[FieldBottomLon]
	req, _, err := Normalize(form)
	require.NoError(t, err)
	_, err = NewEstimator(nil).Estimate(req)
	require.ErrorIs(t, err, ErrDegenerateBox)
}

func TestEstimateSaturatesInsteadOfWrapping(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldBottomLat], form[FieldTopLat] = "0", "10"
	form[FieldBottomLon], form[FieldTopLon] = "0", "10"
	form[FieldPrintRes] = "1e-9"
	form[FieldTileWidth] = "1e6"
	req, _, err := Normalize(form)
	require.NoError(t, err)

	est, err := NewEstimator(nil).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), est.Cells)

	decision := AdmissionPolicy{Ceiling: 1_000_000}.Decide(est, req.Print.Format)
	require.False(t, decision.Accepted)
}

func TestEstimateSaturatesSourceResolution(t *testing.T) {
	t.Parallel()

	form := baseForm()
	form[FieldPrintRes] = "0"
	form[FieldBottomLat], form[FieldTopLat] = "-90", "90"
	req, _, err := Normalize(form)
	require.NoError(t, err)

	est, err := (&Estimator{Datasets: map[string]float64{"USGS/NED": 1e-300}}).Estimate(req)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), est.Cells)
}

func TestSaturateCells(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(math.MaxInt64), saturateCells(math.Inf(1)))
	require.Equal(t, int64(math.MaxInt64), saturateCells(math.NaN()))
	require.Equal(t, int64(math.MaxInt64), saturateCells(1e19))
	require.Equal(t, int64(0), saturateCells(-5))
	require.Equal(t, int64(18963), saturateCells(18963.9))
}
