package transcode

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/hlstranscoder/pkg/storage/objectstore"
)

const sideEffectTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/your-org/hlstranscoder/internal/transcode")

// EventProducer publishes job events. *kafka.Producer implements it.
type EventProducer interface {
	PublishJSON(ctx context.Context, key string, v any, headers map[string]string) error
	Close(ctx context.Context) error
}

// Encoder drives one job to a terminal state. *Runner implements it.
type Encoder interface {
	Run(ctx context.Context, job *Job) Outcome
}

// Service runs the upload-to-HLS pipeline.
type Service struct {
	layout    *Layout
	runner    Encoder
	limiter   *Limiter
	publisher *Publisher
	cleaner   *Cleaner
	store     objectstore.Client
	producer  EventProducer
	logger    *zap.Logger
}

// Params wires a Service. Store and Producer are optional.
type Params struct {
	Layout    *Layout
	Runner    Encoder
	Limiter   *Limiter
	Publisher *Publisher
	Cleaner   *Cleaner
	Store     objectstore.Client
	Producer  EventProducer
	Logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(p Params) *Service {
	return &Service{
		layout:    p.Layout,
		runner:    p.Runner,
		limiter:   p.Limiter,
		publisher: p.Publisher,
		cleaner:   p.Cleaner,
		store:     p.Store,
		producer:  p.Producer,
		logger:    p.Logger,
	}
}

// Reject logs err and converts it into a failure Result.
func (s *Service) Reject(err error) Result {
	s.logFailure(AsError(err))
	return s.publisher.Failure(err)
}

// Process transcodes the selected file of req. Temporary inputs are removed
// on every path, and every failure is reported through the Result.
func (s *Service) Process(ctx context.Context, req *UploadRequest) (res Result) {
	var job *Job
	defer func() {
		jobID := ""
		if job != nil {
			jobID = job.ID
		}
		s.cleaner.RemoveInputs(jobID, req.TempPaths())
		s.cleaner.RemoveOutput(job) //nolint:errcheck
	}()
	defer func() {
		if rec := recover(); rec != nil {
			jobID := ""
			if job != nil {
				jobID = job.ID
			}
			res = s.Reject(internalError(StagePipeline, jobID, "unexpected failure", fmt.Errorf("panic: %v", rec)))
		}
	}()

	selected := req.Selected()

	_, span := tracer.Start(ctx, "job.allocate")
	job, err := s.layout.Allocate(selected.TempPath)
	endSpan(span, err)
	if err != nil {
		return s.Reject(err)
	}

	s.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("filename", selected.Filename),
		zap.String("content_type", selected.ContentType),
		zap.Int64("size_bytes", selected.Size),
		zap.Int("files", len(req.Files)),
	)

	admitCtx, span := tracer.Start(ctx, "job.admit", trace.WithAttributes(attribute.String("job.id", job.ID)))
	release, err := s.limiter.Acquire(admitCtx, job.ID)
	endSpan(span, err)
	if err != nil {
		return s.Reject(err)
	}
	defer release()

	encodeCtx, span := tracer.Start(ctx, "job.encode", trace.WithAttributes(attribute.String("job.id", job.ID)))
	out := s.runner.Run(encodeCtx, job)
	// The slot is not held across the event and mirror side effects.
	release()
	span.SetAttributes(attribute.String("job.status", out.Status.String()))
	if out.Err != nil {
		endSpan(span, out.Err)
	} else {
		endSpan(span, nil)
	}

	publicURL := ""
	if out.Err == nil {
		publicURL = s.publisher.ManifestURL(job.ID)
	}
	s.publishEvent(ctx, job, out, publicURL)

	if out.Err != nil {
		return s.Reject(out.Err)
	}

	s.mirror(ctx, job)
	return s.publisher.Success(job)
}

func (s *Service) mirror(ctx context.Context, job *Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "job.mirror", trace.WithAttributes(attribute.String("job.id", job.ID)))

	prefix := path.Join("courses", job.ID)
	n, err := objectstore.UploadDir(ctx, s.store, prefix, job.OutputDir, map[string]string{"job_id": job.ID})
	endSpan(span, err)
	if err != nil {
		s.logger.Warn("artifact mirror failed", zap.String("job_id", job.ID), zap.Int("uploaded", n), zap.Error(err))
		return
	}
	s.logger.Info("artifacts mirrored", zap.String("job_id", job.ID), zap.String("prefix", prefix), zap.Int("objects", n))
}

func (s *Service) publishEvent(ctx context.Context, job *Job, out Outcome, publicURL string) {
	if s.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "job.publish_event", trace.WithAttributes(attribute.String("job.id", job.ID)))

	event, eventType := newTranscodeEvent(job, out, publicURL)
	err := s.producer.PublishJSON(ctx, job.ID, event, map[string]string{
		"job_id":     job.ID,
		"event_type": eventType,
	})
	endSpan(span, err)
	if err != nil {
		s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) logFailure(e *Error) {
	fields := []zap.Field{
		zap.String("stage", e.Stage),
		zap.String("kind", e.Kind.String()),
		zap.Error(e),
	}
	if e.JobID != "" {
		fields = append(fields, zap.String("job_id", e.JobID))
	}
	if e.Kind.HTTPStatus() < 500 {
		s.logger.Warn("upload rejected", fields...)
		return
	}
	s.logger.Error("upload failed", fields...)
}

// Close releases underlying resources.
func (s *Service) Close(ctx context.Context) error {
	if s.producer != nil {
		if err := s.producer.Close(ctx); err != nil {
			return err
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
