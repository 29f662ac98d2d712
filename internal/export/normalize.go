package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Form field names accepted by the export endpoint.
const (
	FieldDataset       = "DEM_name"
	FieldTopLat        = "trlat"
	FieldTopLon        = "trlon"
	FieldBottomLat     = "bllat"
	FieldBottomLon     = "bllon"
	FieldPrintRes      = "printres"
	FieldTilesX        = "ntilesx"
	FieldTilesY        = "ntilesy"
	FieldTileWidth     = "tilewidth"
	FieldBaseThickness = "basethick"
	FieldZScale        = "zscale"
	FieldFormat        = "fileformat"
	FieldManual        = "manual"

	// AuxOnlyKey selects a subset of tiles to generate.
	AuxOnlyKey = "only"
)

// Input bounds applied during normalization. Both keep the estimate
// arithmetic well inside float64 and int64 range.
const (
	MaxTiles      = 10_000
	MaxAbsDegrees = 360
)

// RequiredFields lists the form keys every request must carry, in echo order.
var RequiredFields = []string{
	FieldDataset,
	FieldTopLat, FieldTopLon, FieldBottomLat, FieldBottomLon,
	FieldPrintRes,
	FieldTilesX, FieldTilesY,
	FieldTileWidth, FieldBaseThickness, FieldZScale,
	FieldFormat,
}

// Normalize turns raw form values into a JobRequest. A failing auxiliary blob
// is reported through the second return value and never fails the request;
// missing or non-numeric required fields return a *MalformedRequestError along
// with a request carrying only the raw fields.
func Normalize(form map[string]string) (JobRequest, *AuxiliaryParseError, error) {
	fields := make(map[string]string, len(form))
	for k, v := range form {
		fields[k] = v
	}

	aux, auxErr := decodeAuxiliary(fields[FieldManual])
	if auxErr == nil {
		for k, v := range aux {
			fields[k] = auxString(v)
		}
	} else {
		aux = nil
	}

	req := JobRequest{Fields: fields, Aux: aux}
	if err := req.coerce(); err != nil {
		return JobRequest{Fields: fields, Aux: aux}, auxErr, err
	}
	return req, auxErr, nil
}

func (r *JobRequest) coerce() error {
	for _, key := range RequiredFields {
		if strings.TrimSpace(r.Fields[key]) == "" {
			return &MalformedRequestError{Field: key, Reason: "missing"}
		}
	}
	var err error
	r.Dataset = strings.TrimSpace(r.Fields[FieldDataset])
	if r.Print.Resolution, err = r.float(FieldPrintRes); err != nil {
		return err
	}
	if r.Print.TileWidth, err = r.float(FieldTileWidth); err != nil {
		return err
	}
	if r.Print.BaseThickness, err = r.float(FieldBaseThickness); err != nil {
		return err
	}
	if r.Print.ZScale, err = r.float(FieldZScale); err != nil {
		return err
	}
	if r.Box.TopLat, err = r.degrees(FieldTopLat); err != nil {
		return err
	}
	if r.Box.TopLon, err = r.degrees(FieldTopLon); err != nil {
		return err
	}
	if r.Box.BottomLat, err = r.degrees(FieldBottomLat); err != nil {
		return err
	}
	if r.Box.BottomLon, err = r.degrees(FieldBottomLon); err != nil {
		return err
	}
	if r.Print.TilesX, err = r.tileCount(FieldTilesX); err != nil {
		return err
	}
	if r.Print.TilesY, err = r.tileCount(FieldTilesY); err != nil {
		return err
	}
	if r.Print.TotalTiles() > MaxTiles {
		return &MalformedRequestError{
			Field:  FieldTilesX,
			Value:  fmt.Sprintf("%dx%d", r.Print.TilesX, r.Print.TilesY),
			Reason: fmt.Sprintf("tile grid exceeds %d tiles", MaxTiles),
		}
	}
	r.Print.Format = Format(strings.TrimSpace(r.Fields[FieldFormat]))
	if !r.Print.Format.Valid() {
		return &MalformedRequestError{Field: FieldFormat, Value: string(r.Print.Format), Reason: "unsupported format"}
	}
	return nil
}

func (r *JobRequest) float(key string) (float64, error) {
	raw := r.Fields[key]
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &MalformedRequestError{Field: key, Value: raw, Reason: "not a number"}
	}
	return f, nil
}

func (r *JobRequest) degrees(key string) (Microdegrees, error) {
	f, err := r.float(key)
	if err != nil {
		return 0, err
	}
	if math.Abs(f) > MaxAbsDegrees {
		return 0, &MalformedRequestError{Field: key, Value: r.Fields[key], Reason: "out of range"}
	}
	return ToMicrodegrees(f), nil
}

func (r *JobRequest) tileCount(key string) (int, error) {
	f, err := r.float(key)
	if err != nil {
		return 0, err
	}
	n := math.Trunc(f)
	if n < 1 {
		return 0, &MalformedRequestError{Field: key, Value: r.Fields[key], Reason: "must be at least 1"}
	}
	if n > MaxTiles {
		return 0, &MalformedRequestError{Field: key, Value: r.Fields[key], Reason: fmt.Sprintf("must be at most %d", MaxTiles)}
	}
	return int(n), nil
}

// decodeAuxiliary wraps `"k": v, ...` fragments into an object literal.
func decodeAuxiliary(raw string) (map[string]any, *AuxiliaryParseError) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewBufferString("{ " + raw + "}"))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, &AuxiliaryParseError{Raw: raw, Err: err}
	}
	if dec.More() {
		return nil, &AuxiliaryParseError{Raw: raw, Err: fmt.Errorf("trailing data after object")}
	}
	return out, nil
}

func auxString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
