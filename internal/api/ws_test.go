package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/export"
)

func dialExportWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/export/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilClose(t *testing.T, conn *websocket.Conn) ([]wsMessage, int) {
	t.Helper()
	var msgs []wsMessage
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		var msg wsMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return msgs, ce.Code
		}
		msgs = append(msgs, msg)
	}
}

func TestExportWebsocket(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := dialExportWS(t, env, nil)

	form := map[string]any{}
	for k, v := range exportForm() {
		form[k] = v[0]
	}
	form["ntilesx"] = 1
	require.NoError(t, conn.WriteJSON(form))

	msgs, code := readUntilClose(t, conn)
	require.Equal(t, websocket.CloseNormalClosure, code)

	kinds := make([]export.EventKind, 0, len(msgs))
	for _, m := range msgs {
		kinds = append(kinds, m.Kind)
	}
	require.Equal(t, []export.EventKind{
		export.EventBanner, export.EventParams, export.EventProcessing, export.EventArtifactReady,
	}, kinds)

	last := msgs[len(msgs)-1]
	require.NotEmpty(t, last.JobID)
	require.Equal(t, "/download/"+last.JobID+".zip", last.ArtifactURL)
	require.Contains(t, last.HTML, "total zipsize")
	require.Len(t, msgs[1].Params, len(export.RequiredFields))
}

func TestExportWebsocketRejectsBadForm(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := dialExportWS(t, env, nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["not", "an", "object"]`)))

	msgs, code := readUntilClose(t, conn)
	require.Equal(t, websocket.CloseUnsupportedData, code)
	require.Len(t, msgs, 1)
	require.Equal(t, export.EventError, msgs[0].Kind)
}

func TestExportWebsocketChecksOrigin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) { o.AllowedOrigins = []string{"https://touchterrain.example"} })
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/export/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	conn := dialExportWS(t, env, http.Header{"Origin": {"https://touchterrain.example"}})
	require.NotNil(t, conn)
}

func TestDecodeWSForm(t *testing.T) {
	t.Parallel()

	form, err := decodeWSForm([]byte(`{"printres": 0.25, "DEM_name": "USGS/NED", "manual": null, "flag": true}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"printres": "0.25", "DEM_name": "USGS/NED", "flag": "true"}, form)

	_, err = decodeWSForm([]byte(`{"only": [1, 1]}`))
	require.Error(t, err)
}
