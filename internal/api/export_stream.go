package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/export"
	"github.com/JakeFAU/terrain-export/internal/id/uuid"
)

// htmlStream writes each event as an HTML fragment and flushes it.
type htmlStream struct {
	w        io.Writer
	rc       *http.ResponseController
	renderer *Renderer
}

func (s *htmlStream) Send(_ context.Context, evt export.Event) error {
	if err := s.renderer.Render(s.w, evt); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush fragment: %w", err)
	}
	return nil
}

// exportHTML handles POST /export. Every pipeline outcome, bad input
// included, is a 200 text/html stream.
func (s *Server) exportHTML(w http.ResponseWriter, r *http.Request) {
	form, err := parseForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	stream := &htmlStream{w: w, rc: http.NewResponseController(w), renderer: s.renderer}
	if _, err := io.WriteString(w, pageOpen); err != nil {
		return
	}
	job, err := s.opts.Exporter.Run(r.Context(), form, stream)
	if err != nil {
		s.logger.Debug("export ended with error",
			zap.String("job_id", job.ID),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
	_, _ = io.WriteString(w, pageClose)
}

// parseForm flattens the url-encoded or multipart body, first value wins.
func parseForm(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if ct == "multipart/form-data" {
		err = r.ParseMultipartForm(maxFormBytes)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	form := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			form[k] = vals[0]
		}
	}
	return form, nil
}

// download serves {download_prefix}/{job_id}.zip from the workspace.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	id, ok := strings.CutSuffix(file, ".zip")
	if !ok || !uuid.Valid(id) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	p, err := s.opts.Workspace.ArtifactPath(file)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	f, err := os.Open(p) //nolint:gosec // name validated above
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("open artifact failed", zap.String("file", file), zap.Error(err))
		}
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file}))
	http.ServeContent(w, r, file, info.ModTime(), f)
}
