// Package manifest is a dry-run tile generator. It writes the job's zip with
// a manifest of the request and one descriptor per tile instead of meshes,
// which keeps the service usable without an elevation backend.
package manifest

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/JakeFAU/terrain-export/internal/export"
)

const bytesPerMB = 1024 * 1024

// Manifest is the top-level document stored as manifest.json.
type Manifest struct {
	JobID     string             `json:"job_id"`
	Generated time.Time          `json:"generated_at"`
	Request   export.TileRequest `json:"request"`
	Tiles     []Tile             `json:"tiles"`
}

// Tile describes one tile's slice of the bounding box, 1-based.
type Tile struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	West   float64 `json:"west"`
	East   float64 `json:"east"`
	South  float64 `json:"south"`
	North  float64 `json:"north"`
	Format string  `json:"format"`
}

// Generator implements export.TileGenerator.
type Generator struct {
	now func() time.Time
}

// New creates a Generator. A nil now uses time.Now.
func New(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Generate writes <workspace>/<zip name> and returns its size.
func (g *Generator) Generate(ctx context.Context, req export.TileRequest) (export.TileResult, error) {
	if req.ZipName == "" || req.ZipName != filepath.Base(req.ZipName) {
		return export.TileResult{}, fmt.Errorf("invalid zip name %q", req.ZipName)
	}
	tiles, err := Layout(req)
	if err != nil {
		return export.TileResult{}, err
	}
	m := Manifest{
		JobID:     req.JobID,
		Generated: g.now().UTC(),
		Request:   req,
		Tiles:     tiles,
	}

	dst := filepath.Join(req.Workspace, req.ZipName)
	tmp, err := os.CreateTemp(req.Workspace, ".manifest-*")
	if err != nil {
		return export.TileResult{}, fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	if err := writeArchive(ctx, tmp, m); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return export.TileResult{}, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return export.TileResult{}, fmt.Errorf("stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return export.TileResult{}, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return export.TileResult{}, fmt.Errorf("publish archive: %w", err)
	}
	return export.TileResult{SizeMB: float64(info.Size()) / bytesPerMB, Path: dst}, nil
}

func writeArchive(ctx context.Context, f *os.File, m Manifest) error {
	zw := zip.NewWriter(f)
	if err := writeJSON(zw, "manifest.json", m); err != nil {
		return err
	}
	for _, t := range m.Tiles {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("archive interrupted: %w", err)
		}
		name := "tiles/tile_" + strconv.Itoa(t.X) + "_" + strconv.Itoa(t.Y) + ".json"
		if err := writeJSON(zw, name, t); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func writeJSON(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Layout splits the request box into its tile grid. When the auxiliary
// parameters carry only=[x, y], just that tile is returned.
func Layout(req export.TileRequest) ([]Tile, error) {
	nx, ny := req.Print.TilesX, req.Print.TilesY
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("tile grid %dx%d is empty", nx, ny)
	}
	west, width := lonExtent(req.Box.BottomLon.Degrees(), req.Box.TopLon.Degrees())
	south := min(req.Box.BottomLat, req.Box.TopLat).Degrees()
	north := max(req.Box.BottomLat, req.Box.TopLat).Degrees()
	dx := width / float64(nx)
	dy := (north - south) / float64(ny)

	onlyX, onlyY, subset, err := only(req.Aux)
	if err != nil {
		return nil, err
	}
	var tiles []Tile
	for x := 1; x <= nx; x++ {
		for y := 1; y <= ny; y++ {
			if subset && (x != onlyX || y != onlyY) {
				continue
			}
			tiles = append(tiles, Tile{
				X:      x,
				Y:      y,
				West:   wrapWest(west + float64(x-1)*dx),
				East:   wrapEast(west + float64(x)*dx),
				South:  south + float64(y-1)*dy,
				North:  south + float64(y)*dy,
				Format: string(req.Print.Format),
			})
		}
	}
	if subset && len(tiles) == 0 {
		return nil, fmt.Errorf("tile %d,%d is outside the %dx%d grid", onlyX, onlyY, nx, ny)
	}
	return tiles, nil
}

// lonExtent returns the western edge and the eastward width of the short way
// between two longitudes, matching export.DegreeSpan. Boxes crossing ±180°
// keep their true width.
func lonExtent(a, b float64) (float64, float64) {
	width := export.DegreeSpan(a, b)
	if export.DegreeSpan(a+width, b) < 1e-9 {
		return wrapWest(a), width
	}
	return wrapWest(b), width
}

// wrapWest folds lon into [-180, 180).
func wrapWest(lon float64) float64 {
	r := math.Mod(lon+180, 360)
	if r < 0 {
		r += 360
	}
	return r - 180
}

// wrapEast folds lon into (-180, 180].
func wrapEast(lon float64) float64 {
	w := wrapWest(lon)
	if w == -180 {
		return 180
	}
	return w
}

func only(aux map[string]any) (int, int, bool, error) {
	v, ok := aux[export.AuxOnlyKey]
	if !ok || v == nil {
		return 0, 0, false, nil
	}
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, false, fmt.Errorf("%s must be a [x, y] pair, got %v", export.AuxOnlyKey, v)
	}
	x, err := index(pair[0])
	if err != nil {
		return 0, 0, false, err
	}
	y, err := index(pair[1])
	if err != nil {
		return 0, 0, false, err
	}
	return x, y, true, nil
}

func index(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("tile index %q: %w", n, err)
		}
		return int(i), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("tile index %v is not a number", v)
	}
}
