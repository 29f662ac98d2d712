package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/export"
)

const (
	wsWriteWait   = 10 * time.Second
	wsFormTimeout = 30 * time.Second
	wsReadLimit   = 64 << 10
)

// wsMessage is one event on GET /export/ws.
type wsMessage struct {
	Kind        export.EventKind          `json:"kind"`
	JobID       string                    `json:"job_id,omitempty"`
	HTML        string                    `json:"html"`
	Message     string                    `json:"message,omitempty"`
	Params      []export.Param            `json:"params,omitempty"`
	Extra       []export.Param            `json:"extra,omitempty"`
	Decision    *export.AdmissionDecision `json:"decision,omitempty"`
	SizeMB      float64                   `json:"size_mb,omitempty"`
	ArtifactURL string                    `json:"artifact_url,omitempty"`
}

type wsStream struct {
	conn     *websocket.Conn
	renderer *Renderer
}

func (s *wsStream) Send(_ context.Context, evt export.Event) error {
	html, err := s.renderer.Fragment(evt)
	if err != nil {
		return err
	}
	msg := wsMessage{
		Kind:        evt.Kind,
		JobID:       evt.JobID,
		HTML:        html,
		Message:     evt.Message,
		Params:      evt.Params,
		Extra:       evt.Extra,
		Decision:    evt.Decision,
		SizeMB:      evt.SizeMB,
		ArtifactURL: evt.ArtifactURL,
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write websocket event: %w", err)
	}
	return nil
}

func (s *Server) upgrader() websocket.Upgrader {
	allowed := make(map[string]struct{}, len(s.opts.AllowedOrigins))
	for _, o := range s.opts.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if strings.EqualFold(u.Host, r.Host) {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

// exportWS handles GET /export/ws. The first client message is a JSON object
// of form fields; each pipeline event is answered with a wsMessage. Closing
// the socket cancels the export before the generator starts.
func (s *Server) exportWS(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	stream := &wsStream{conn: conn, renderer: s.renderer}
	_ = conn.SetReadDeadline(time.Now().Add(wsFormTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before form", zap.Error(err))
		return
	}
	form, err := decodeWSForm(raw)
	if err != nil {
		_ = stream.Send(r.Context(), export.Event{Kind: export.EventError, Message: err.Error()})
		closeWS(conn, websocket.CloseUnsupportedData, "invalid form")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Client messages after the form are ignored; a read error means it left.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	job, err := s.opts.Exporter.Run(ctx, form, stream)
	if err != nil {
		s.logger.Debug("websocket export ended with error", zap.String("job_id", job.ID), zap.Error(err))
	}
	closeWS(conn, websocket.CloseNormalClosure, string(job.Status))
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// decodeWSForm accepts string, number and bool values.
func decodeWSForm(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("form must be a JSON object: %w", err)
	}
	form := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			form[k] = val
		case json.Number:
			form[k] = val.String()
		case bool:
			form[k] = strconv.FormatBool(val)
		case nil:
		default:
			return nil, fmt.Errorf("form field %s must be a scalar", k)
		}
	}
	return form, nil
}
