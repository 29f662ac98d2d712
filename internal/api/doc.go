// Package api hosts the HTTP server, middleware and handlers of the terrain
// export service. Notable routes:
//   - POST /export streams the export as HTML fragments.
//   - GET /export/ws runs the same pipeline over a websocket.
//   - GET {download_prefix}/{job_id}.zip serves finished archives.
//   - GET /v1/exports/{job_id} and /v1/runs report job state.
//   - GET /healthz, /readyz and /metrics for operators.
package api
