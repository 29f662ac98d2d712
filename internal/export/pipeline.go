package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/progress"
	"github.com/JakeFAU/terrain-export/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/terrain-export/internal/export"

// Config holds the per-process pipeline settings.
type Config struct {
	Admission    AdmissionPolicy
	HaltOnReject bool
	// Workers and MaxCellsInMemory are forwarded to the tile generator.
	Workers          int
	MaxCellsInMemory int64
	// DownloadPrefix is the URL path under which artifacts are served.
	DownloadPrefix string
	// GenerateTimeout bounds the generator call; zero means no deadline.
	GenerateTimeout time.Duration
	// ArtifactPrefix is the object key prefix for mirrored artifacts.
	ArtifactPrefix string
	// NotifyTopic receives a Notification per finished job when set.
	NotifyTopic string
}

// Deps are the collaborators of a Pipeline. Jobs, Blobs, Publisher and
// Progress are optional.
type Deps struct {
	Estimator *Estimator
	Workspace *Workspace
	Generator TileGenerator
	Jobs      JobStore
	Blobs     BlobStore
	Publisher Publisher
	Progress  progress.Emitter
	Logger    *zap.Logger
	Clock     Clock
}

// Notification is published when a job reaches a terminal state.
type Notification struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Dataset     string    `json:"dataset,omitempty"`
	Format      Format    `json:"format,omitempty"`
	Cells       int64     `json:"cells"`
	SizeMB      float64   `json:"size_mb,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Attributes are attached to broker messages for subscription filters.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"job_id": n.JobID,
		"status": string(n.Status),
		"format": string(n.Format),
	}
}

// Pipeline drives one export request through normalization, estimation,
// admission, workspace preparation and tile generation, reporting each stage
// on a Stream.
type Pipeline struct {
	cfg       Config
	estimator *Estimator
	workspace *Workspace
	generator TileGenerator
	jobs      JobStore
	blobs     BlobStore
	publisher Publisher
	progress  progress.Emitter
	logger    *zap.Logger
	clock     Clock
	tracer    trace.Tracer
}

// NewPipeline validates deps and builds a Pipeline.
func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("tile generator is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Admission.Ceiling <= 0 {
		return nil, fmt.Errorf("admission ceiling must be positive")
	}
	if deps.Estimator == nil {
		deps.Estimator = NewEstimator(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DownloadPrefix == "" {
		cfg.DownloadPrefix = "/download"
	}
	return &Pipeline{
		cfg:       cfg,
		estimator: deps.Estimator,
		workspace: deps.Workspace,
		generator: deps.Generator,
		jobs:      deps.Jobs,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		progress:  deps.Progress,
		logger:    deps.Logger,
		clock:     deps.Clock,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Config returns the pipeline settings.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Estimate normalizes form and returns the estimate and admission decision
// without creating a job.
func (p *Pipeline) Estimate(form map[string]string) (JobRequest, WorkloadEstimate, AdmissionDecision, error) {
	req, _, err := Normalize(form)
	if err != nil {
		return req, WorkloadEstimate{}, AdmissionDecision{}, err
	}
	est, err := p.estimator.Estimate(req)
	if err != nil {
		return req, WorkloadEstimate{}, AdmissionDecision{}, err
	}
	return req, est, p.cfg.Admission.Decide(est, req.Print.Format), nil
}

// run carries the state of one Run call.
type run struct {
	p       *Pipeline
	stream  Stream
	job     Job
	logger  *zap.Logger
	started time.Time
	gone    bool
}

// Run executes the pipeline for one request. Every outcome, including bad
// input, is reported on stream; the returned error mirrors the terminal
// failure for callers that do not render events.
func (p *Pipeline) Run(ctx context.Context, form map[string]string, stream Stream) (Job, error) {
	ctx, span := p.tracer.Start(ctx, "export.Run")
	defer span.End()

	r := &run{p: p, stream: stream, logger: p.logger, started: p.clock.Now()}

	job, err := p.workspace.NewJob()
	if err != nil {
		r.send(ctx, Event{Kind: EventBanner})
		r.send(ctx, Event{Kind: EventError, Message: err.Error(), Err: err})
		span.SetStatus(codes.Error, err.Error())
		return Job{}, err
	}
	r.job = job
	r.logger = p.logger.With(zap.String("job_id", job.ID))
	span.SetAttributes(attribute.String("export.job_id", job.ID))
	p.record(ctx, job, true)

	r.send(ctx, Event{Kind: EventBanner})

	req, auxErr, err := Normalize(form)
	r.send(ctx, paramsEvent(req.Fields))
	if auxErr != nil {
		r.logger.Warn("auxiliary parameters ignored", zap.Error(auxErr))
		r.send(ctx, Event{Kind: EventAuxWarning, Message: auxErr.Error(), Err: auxErr})
	}
	if err != nil {
		return r.fail(ctx, span, err, false)
	}
	r.job.Dataset = req.Dataset
	r.job.Format = req.Print.Format
	span.SetAttributes(
		attribute.String("export.dataset", req.Dataset),
		attribute.String("export.format", string(req.Print.Format)),
	)

	est, err := p.estimator.Estimate(req)
	if err != nil {
		r.emit(progress.StageJobStart, "")
		return r.fail(ctx, span, err, true)
	}
	decision := p.cfg.Admission.Decide(est, req.Print.Format)
	r.job.Cells = est.Cells
	span.SetAttributes(
		attribute.Int64("export.cells", est.Cells),
		attribute.Bool("export.accepted", decision.Accepted),
	)
	telemetry.ObserveAdmission(string(req.Print.Format), decision.Accepted, est.Cells)
	r.emit(progress.StageJobStart, "")
	r.logger.Info("export admission",
		zap.Int64("cells", est.Cells),
		zap.String("mode", string(est.Mode)),
		zap.Int64("ceiling", decision.EffectiveCeiling),
		zap.Bool("accepted", decision.Accepted),
	)

	if !decision.Accepted {
		r.send(ctx, Event{Kind: EventRejected, Message: decision.RejectionMessage, Decision: &decision})
		if p.cfg.HaltOnReject {
			r.job.Status = JobStatusRejected
			r.job.ErrorText = decision.RejectionMessage
			r.finish(ctx)
			r.emit(progress.StageJobRejected, decision.RejectionMessage)
			telemetry.ObserveExport(string(JobStatusRejected))
			return r.job, nil
		}
		r.logger.Warn("continuing past admission rejection")
	}

	if !r.alive(ctx) {
		return r.cancel(ctx, span)
	}
	r.send(ctx, Event{Kind: EventProcessing})

	if err := p.workspace.Ensure(); err != nil {
		r.logger.Error("workspace unavailable", zap.Error(err))
		r.send(ctx, Event{Kind: EventWorkspaceError, Message: err.Error(), Err: err})
	}

	if !r.alive(ctx) {
		return r.cancel(ctx, span)
	}
	res, err := r.generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return r.cancel(ctx, span)
		}
		return r.fail(ctx, span, err, true)
	}
	return r.succeed(ctx, res)
}

func (r *run) generate(ctx context.Context, req JobRequest) (TileResult, error) {
	p := r.p
	if p.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.GenerateTimeout)
		defer cancel()
	}
	ctx, span := p.tracer.Start(ctx, "export.Generate")
	defer span.End()

	tr := TileRequest{
		JobID:            r.job.ID,
		Workspace:        p.workspace.Root(),
		ZipName:          r.job.ZipName(),
		Dataset:          req.Dataset,
		Box:              req.Box,
		Print:            req.Print,
		Aux:              req.Aux,
		Workers:          p.cfg.Workers,
		MaxCellsInMemory: p.cfg.MaxCellsInMemory,
	}
	start := time.Now()
	res, err := generate(ctx, p.generator, tr)
	r.logger.Info("tile generation finished",
		zap.Duration("took", time.Since(start)),
		zap.Float64("size_mb", res.SizeMB),
		zap.Error(err),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (r *run) succeed(ctx context.Context, res TileResult) (Job, error) {
	p := r.p
	artifact := res.Path
	if artifact == "" {
		artifact = filepath.Join(p.workspace.Root(), r.job.ZipName())
	}
	r.job.ArtifactPath = artifact
	r.job.SizeMB = res.SizeMB
	r.job.ArtifactURL = path.Join(p.cfg.DownloadPrefix, filepath.Base(artifact))
	r.job.Status = JobStatusSucceeded

	r.send(ctx, Event{Kind: EventArtifactReady, SizeMB: res.SizeMB, ArtifactURL: r.job.ArtifactURL})

	if uri, err := r.mirror(ctx); err != nil {
		r.logger.Warn("artifact mirror failed", zap.Error(err))
		r.job.ErrorText = fmt.Sprintf("mirror: %v", err)
	} else {
		r.job.ArtifactURI = uri
	}
	r.finish(ctx)
	r.emit(progress.StageJobDone, "")
	telemetry.ObserveExport(string(JobStatusSucceeded))
	return r.job, nil
}

// mirror uploads the artifact to the blob store, if one is configured.
func (r *run) mirror(ctx context.Context) (string, error) {
	if r.p.blobs == nil {
		return "", nil
	}
	f, err := os.Open(r.job.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	key := path.Join(r.p.cfg.ArtifactPrefix, filepath.Base(r.job.ArtifactPath))
	uri, err := r.p.blobs.PutObject(context.WithoutCancel(ctx), key, "application/zip", f)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}

func (r *run) fail(ctx context.Context, span trace.Span, err error, started bool) (Job, error) {
	span.SetStatus(codes.Error, err.Error())
	r.logger.Warn("export failed", zap.Error(err))
	r.job.Status = JobStatusFailed
	r.job.ErrorText = err.Error()
	r.send(ctx, Event{Kind: EventError, Message: err.Error(), Err: err})
	r.finish(ctx)
	if started {
		r.emit(progress.StageJobError, err.Error())
	}
	telemetry.ObserveExport(string(JobStatusFailed))
	return r.job, err
}

func (r *run) cancel(ctx context.Context, span trace.Span) (Job, error) {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	span.SetStatus(codes.Error, "canceled")
	r.logger.Info("export canceled by caller", zap.Error(err))
	r.job.Status = JobStatusCanceled
	r.job.ErrorText = err.Error()
	r.send(ctx, Event{Kind: EventCanceled, Message: err.Error(), Err: err})
	r.finish(ctx)
	r.emit(progress.StageJobCanceled, err.Error())
	telemetry.ObserveExport(string(JobStatusCanceled))
	return r.job, err
}

// finish stamps the job and records its final state. Bookkeeping outlives the
// caller's context.
func (r *run) finish(ctx context.Context) {
	now := r.p.clock.Now()
	r.job.Finished = &now
	ctx = context.WithoutCancel(ctx)
	r.p.record(ctx, r.job, false)
	r.p.notify(ctx, r.logger, r.job)
}

func (p *Pipeline) record(ctx context.Context, job Job, create bool) {
	if p.jobs == nil {
		return
	}
	var err error
	if create {
		err = p.jobs.CreateJob(ctx, job)
	} else {
		err = p.jobs.UpdateJob(ctx, job)
	}
	if err != nil {
		p.logger.Warn("job registry write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Pipeline) notify(ctx context.Context, logger *zap.Logger, job Job) {
	if p.publisher == nil || p.cfg.NotifyTopic == "" {
		return
	}
	msg := Notification{
		JobID:       job.ID,
		Status:      job.Status,
		Dataset:     job.Dataset,
		Format:      job.Format,
		Cells:       job.Cells,
		SizeMB:      job.SizeMB,
		ArtifactURL: job.ArtifactURL,
		ArtifactURI: job.ArtifactURI,
		Error:       job.ErrorText,
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.NotifyTopic, msg); err != nil {
		logger.Warn("completion notification failed", zap.Error(err))
	}
}

func (r *run) emit(stage progress.Stage, note string) {
	if r.p.progress == nil {
		return
	}
	now := r.p.clock.Now()
	evt := progress.Event{
		JobID:   progress.JobIDBytes(r.job.ID),
		TS:      now.UTC(),
		Stage:   stage,
		Dataset: r.job.Dataset,
		Format:  string(r.job.Format),
		Cells:   r.job.Cells,
		Note:    note,
	}
	if stage.Terminal() || stage == progress.StageJobRejected {
		evt.Dur = now.Sub(r.started)
		if evt.Dur < 0 {
			evt.Dur = 0
		}
	}
	if stage == progress.StageJobDone {
		evt.SizeMB = r.job.SizeMB
	}
	r.p.progress.Emit(evt)
}

// send delivers evt unless the caller already went away. A Send failure marks
// the caller as gone.
func (r *run) send(ctx context.Context, evt Event) {
	if r.gone || r.stream == nil {
		return
	}
	evt.JobID = r.job.ID
	if err := r.stream.Send(ctx, evt); err != nil {
		r.gone = true
		r.logger.Debug("progress stream closed", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

func (r *run) alive(ctx context.Context) bool {
	return !r.gone && ctx.Err() == nil
}

// paramsEvent echoes the required fields in order, then any other raw fields
// sorted by name.
func paramsEvent(fields map[string]string) Event {
	evt := Event{Kind: EventParams}
	required := make(map[string]struct{}, len(RequiredFields))
	for _, key := range RequiredFields {
		required[key] = struct{}{}
		evt.Params = append(evt.Params, Param{Name: key, Value: fields[key]})
	}
	extra := make([]string, 0, len(fields))
	for key := range fields {
		if _, ok := required[key]; !ok {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		evt.Extra = append(evt.Extra, Param{Name: key, Value: fields[key]})
	}
	return evt
}
