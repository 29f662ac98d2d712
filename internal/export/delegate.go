package export

import (
	"context"
	"fmt"
	"strings"
)

// generate runs the tile generator and folds the negative-size sentinel into
// the same error path as a returned error.
func generate(ctx context.Context, gen TileGenerator, req TileRequest) (TileResult, error) {
	if gen == nil {
		return TileResult{}, &DelegateError{Message: "no tile generator configured"}
	}
	res, err := gen.Generate(ctx, req)
	if err != nil {
		return TileResult{}, &DelegateError{Message: err.Error(), Err: err}
	}
	if res.SizeMB < 0 {
		msg := strings.TrimSpace(res.Path)
		if msg == "" {
			msg = fmt.Sprintf("tile generator returned size %.2f", res.SizeMB)
		}
		return TileResult{}, &DelegateError{Message: msg}
	}
	return res, nil
}
