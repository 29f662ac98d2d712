package api

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/JakeFAU/terrain-export/internal/export"
)

// Page framing written around the event fragments of POST /export.
const (
	pageOpen  = "<html><body>"
	pageClose = "</body></html>"
)

const fragmentTemplates = `
{{define "banner"}}<h2>Processing terrain data into 3D print file(s):</h2>(This may take some time, please be patient ...) <br>{{end}}
{{define "params"}}{{range .Params}}{{.Name}} = {{.Value}} <br>{{end}}<br>{{range .Extra}}{{.Name}} = {{.Value}} <br>{{end}}<br>{{end}}
{{define "aux_warning"}}Manual parameters ignored: {{.Message}}<br>{{end}}
{{define "rejected"}}{{.Message}}<br>(Hit Back on your browser to get back to the Main page)<br>{{end}}
{{define "processing"}}<img src="{{.StaticPrefix}}/processing.gif" id="gif" alt="processing animation" style="display: block;">{{end}}
{{define "workspace_error"}}temp folder error: {{.Message}}<br>{{end}}
{{define "error"}}Error: {{.Message}}<br>{{end}}
{{define "canceled"}}Export canceled: {{.Message}}<br>{{end}}
{{define "artifact_ready"}}total zipsize: {{printf "%.2f" .SizeMB}} Mb<br>` +
	`<br><form action="{{.ArtifactURL}}" method="GET" enctype="multipart/form-data">` +
	`<input type="submit" value="Download zip File " title="">   (will be deleted in {{.RetentionHours}} hrs)</form>` +
	`<br>To return to the selection map, click the back button in your browser twice` +
	`<br>After downloading you can preview a STL/OBJ file at <a href="http://www.viewstl.com/" target="_blank"> www.viewstl.com ) </a>  (limit: 35 Mb){{end}}
`

// Renderer turns pipeline events into HTML fragments. Event text is escaped.
type Renderer struct {
	tmpl           *template.Template
	staticPrefix   string
	retentionHours string
}

type fragmentData struct {
	export.Event
	StaticPrefix   string
	RetentionHours string
}

// NewRenderer builds a Renderer. retention is quoted on the download form.
func NewRenderer(staticPrefix string, retention time.Duration) *Renderer {
	return &Renderer{
		tmpl:           template.Must(template.New("export").Parse(fragmentTemplates)),
		staticPrefix:   staticPrefix,
		retentionHours: strconv.FormatFloat(retention.Hours(), 'f', -1, 64),
	}
}

// Render writes the fragment for evt to w.
func (r *Renderer) Render(w io.Writer, evt export.Event) error {
	data := fragmentData{Event: evt, StaticPrefix: r.staticPrefix, RetentionHours: r.retentionHours}
	if err := r.tmpl.ExecuteTemplate(w, string(evt.Kind), data); err != nil {
		return fmt.Errorf("render %s: %w", evt.Kind, err)
	}
	return nil
}

// Fragment renders evt to a string.
func (r *Renderer) Fragment(evt export.Event) (string, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, evt); err != nil {
		return "", err
	}
	return buf.String(), nil
}
