package export

import (
	"fmt"
	"math"
	"strings"
)

// DefaultDatasets maps dataset names to their native cell width in arc-seconds.
var DefaultDatasets = map[string]float64{
	"USGS/NED":         1.0 / 9.0,
	"USGS/GMTED2010":   7.5,
	"NOAA/NGDC/ETOPO1": 30,
	"USGS/SRTMGL1_003": 1,
}

// DegreeSpan returns the short-way angular distance between a and b, folded
// into [0, 180]. It handles either corner order and boxes crossing ±180°.
func DegreeSpan(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	return 180 - math.Abs(d-180)
}

// Estimator computes workload estimates. The zero value uses DefaultDatasets.
type Estimator struct {
	Datasets map[string]float64
}

// NewEstimator returns an Estimator that knows DefaultDatasets plus extra.
// Entries in extra override the defaults; names match case-insensitively.
func NewEstimator(extra map[string]float64) *Estimator {
	table := make(map[string]float64, len(DefaultDatasets)+len(extra))
	for k, v := range DefaultDatasets {
		table[k] = v
	}
	for k, v := range extra {
		if v > 0 {
			table[k] = v
		}
	}
	return &Estimator{Datasets: table}
}

// Estimate returns the number of cells the request would process.
func (e *Estimator) Estimate(req JobRequest) (WorkloadEstimate, error) {
	bllat := req.Box.BottomLat.Degrees()
	trlat := req.Box.TopLat.Degrees()
	dlon := DegreeSpan(req.Box.BottomLon.Degrees(), req.Box.TopLon.Degrees())
	dlat := DegreeSpan(bllat, trlat)

	est := WorkloadEstimate{
		Divisor:   1,
		DLon:      dlon,
		DLat:      dlat,
		CenterLat: bllat + dlat/2,
	}
	tiles := float64(req.Print.TilesX) * float64(req.Print.TilesY)
	if req.OnlySubset() && tiles > 0 {
		est.Divisor = tiles
	}

	if res := req.Print.Resolution; res > 0 {
		if dlon == 0 {
			return WorkloadEstimate{}, ErrDegenerateBox
		}
		width := req.Print.TileWidth
		est.Mode = ModePrintResolution
		est.TileHeight = width * (dlat / dlon)
		perTile := (width / res) * (est.TileHeight / res)
		est.Cells = saturateCells(perTile * tiles / est.Divisor)
		return est, nil
	}

	cw, ok := e.cellWidth(req.Dataset)
	if !ok {
		return WorkloadEstimate{}, fmt.Errorf("%w: %s", ErrUnknownDataset, req.Dataset)
	}
	est.Mode = ModeSourceResolution
	est.SourceCellArcSec = cw
	est.Cells = saturateCells(((dlon * 3600) / cw) * ((dlat * 3600) / cw) / est.Divisor)
	return est, nil
}

// saturateCells truncates x toward zero, pinning anything that does not fit in
// an int64 (NaN included) to math.MaxInt64 so it can never pass admission.
func saturateCells(x float64) int64 {
	if !(x < math.MaxInt64) {
		return math.MaxInt64
	}
	if x < 0 {
		return 0
	}
	return int64(x)
}

func (e *Estimator) cellWidth(dataset string) (float64, bool) {
	table := e.Datasets
	if table == nil {
		table = DefaultDatasets
	}
	if cw, ok := table[dataset]; ok {
		return cw, cw > 0
	}
	for name, cw := range table {
		if strings.EqualFold(name, dataset) {
			return cw, cw > 0
		}
	}
	return 0, false
}
