package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/terrain-export/internal/export"
)

type estimateFlags struct {
	dataset   string
	trlat     float64
	trlon     float64
	bllat     float64
	bllon     float64
	printres  float64
	tilesX    int
	tilesY    int
	tileWidth float64
	baseThick float64
	zscale    float64
	format    string
	manual    string
	asJSON    bool
}

func (f estimateFlags) form() map[string]string {
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]string{
		export.FieldDataset:       f.dataset,
		export.FieldTopLat:        num(f.trlat),
		export.FieldTopLon:        num(f.trlon),
		export.FieldBottomLat:     num(f.bllat),
		export.FieldBottomLon:     num(f.bllon),
		export.FieldPrintRes:      num(f.printres),
		export.FieldTilesX:        strconv.Itoa(f.tilesX),
		export.FieldTilesY:        strconv.Itoa(f.tilesY),
		export.FieldTileWidth:     num(f.tileWidth),
		export.FieldBaseThickness: num(f.baseThick),
		export.FieldZScale:        num(f.zscale),
		export.FieldFormat:        f.format,
		export.FieldManual:        f.manual,
	}
}

type estimateOutput struct {
	Estimate export.WorkloadEstimate  `json:"estimate"`
	Decision export.AdmissionDecision `json:"decision"`
}

func newEstimateCmd(opts *rootOptions) *cobra.Command {
	f := estimateFlags{}
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Print the cell estimate and admission decision for a request",
		Long: `estimate runs normalization, estimation and admission for the given
parameters using the configured ceiling and dataset table. Nothing is generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			req, auxErr, err := export.Normalize(f.form())
			if err != nil {
				return err
			}
			if auxErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", auxErr)
			}
			est, err := export.NewEstimator(cfg.Export.DatasetTable()).Estimate(req)
			if err != nil {
				return err
			}
			policy := export.AdmissionPolicy{
				Ceiling:         cfg.Export.MaxCellsPermitted,
				RawFormatFactor: cfg.Export.RawFormatFactor,
			}
			out := estimateOutput{Estimate: est, Decision: policy.Decide(est, req.Print.Format)}
			if f.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printEstimate(cmd.OutOrStdout(), out)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.dataset, "dem", "USGS/NED", "elevation dataset name")
	fl.Float64Var(&f.trlat, "trlat", 0, "top right latitude")
	fl.Float64Var(&f.trlon, "trlon", 0, "top right longitude")
	fl.Float64Var(&f.bllat, "bllat", 0, "bottom left latitude")
	fl.Float64Var(&f.bllon, "bllon", 0, "bottom left longitude")
	fl.Float64Var(&f.printres, "printres", 0.5, "print resolution in mm; <= 0 uses the source resolution")
	fl.IntVar(&f.tilesX, "ntilesx", 1, "tiles along x")
	fl.IntVar(&f.tilesY, "ntilesy", 1, "tiles along y")
	fl.Float64Var(&f.tileWidth, "tilewidth", 80, "tile width in mm")
	fl.Float64Var(&f.baseThick, "basethick", 2, "base thickness in mm")
	fl.Float64Var(&f.zscale, "zscale", 1, "vertical exaggeration")
	fl.StringVar(&f.format, "format", "STLb", "output file format")
	fl.StringVar(&f.manual, "manual", "", "auxiliary parameters, e.g. '\"only\": [1,1]'")
	fl.BoolVar(&f.asJSON, "json", false, "print JSON instead of text")
	for _, name := range []string{"trlat", "trlon", "bllat", "bllon"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func printEstimate(w io.Writer, out estimateOutput) error {
	verdict := "accepted"
	if !out.Decision.Accepted {
		verdict = "rejected"
	}
	_, err := fmt.Fprintf(w,
		"cells:             %d\nmode:              %s\neffective ceiling: %d\ndecision:          %s\n",
		out.Estimate.Cells, out.Estimate.Mode, out.Decision.EffectiveCeiling, verdict,
	)
	if err != nil {
		return err
	}
	if out.Decision.RejectionMessage != "" {
		_, err = fmt.Fprintln(w, out.Decision.RejectionMessage)
	}
	return err
}
