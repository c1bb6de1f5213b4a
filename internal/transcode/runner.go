package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fixed HLS output contract.
const (
	SegmentSeconds  = 10
	PlaylistType    = "vod"
	SegmentPattern  = "segment%03d.ts"
	StartSegment    = 0
	stderrTailBytes = 4 << 10
	killWaitDelay   = 5 * time.Second
)

// RunnerConfig selects the encoder binary, codecs, and the hard timeout.
type RunnerConfig struct {
	Binary     string
	VideoCodec string
	AudioCodec string
	Timeout    time.Duration
}

// Outcome is the terminal report of one encoder invocation.
type Outcome struct {
	Status   Status
	ExitCode int
	Signal   string
	Stderr   string
	Duration time.Duration
	Err      *Error
}

// Runner executes the external segmenting encoder.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Args returns the encoder arguments for job.
func (r *Runner) Args(job *Job) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", job.InputPath,
		"-codec:v", r.cfg.VideoCodec,
		"-codec:a", r.cfg.AudioCodec,
		"-hls_time", strconv.Itoa(SegmentSeconds),
		"-hls_playlist_type", PlaylistType,
		"-hls_segment_filename", filepath.Join(job.OutputDir, SegmentPattern),
		"-start_number", strconv.Itoa(StartSegment),
		job.ManifestPath,
	}
}

// Run makes exactly one encode attempt and drives job to a terminal state.
// When the timeout fires the encoder's whole process group is killed before
// Run returns.
func (r *Runner) Run(ctx context.Context, job *Job) Outcome {
	if err := job.transition(StatusRunning); err != nil {
		return r.finish(job, Outcome{Status: StatusFailed, ExitCode: -1,
			Err: internalError(StageEncode, job.ID, "job cannot be started", err)})
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := r.Args(job)
	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = killWaitDelay
	setProcessGroup(cmd)

	r.logger.Info("encoder starting",
		zap.String("job_id", job.ID),
		zap.String("binary", r.cfg.Binary),
		zap.Strings("args", args),
		zap.Duration("timeout", r.cfg.Timeout),
	)

	started := time.Now()
	runErr := cmd.Run()
	out := Outcome{ExitCode: -1, Duration: time.Since(started), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		out.Signal = exitSignal(exitErr)
	}

	switch {
	case runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		out.Status = StatusTimedOut
		out.Err = &Error{Kind: KindTimeout, Stage: StageEncode, JobID: job.ID,
			Message: fmt.Sprintf("encoder exceeded %s and was killed", r.cfg.Timeout), Err: runErr}
	case runErr != nil && ctx.Err() != nil:
		out.Status = StatusFailed
		out.Err = &Error{Kind: KindTranscode, Stage: StageEncode, JobID: job.ID,
			Message: "encode was cancelled", Err: ctx.Err()}
	case runErr != nil:
		out.Status = StatusFailed
		out.Err = &Error{Kind: KindTranscode, Stage: StageEncode, JobID: job.ID,
			Message: describeExit(out), Err: runErr}
	default:
		if err := verifyManifest(job.ManifestPath); err != nil {
			out.Status = StatusFailed
			out.Err = &Error{Kind: KindTranscode, Stage: StageVerify, JobID: job.ID,
				Message: "encoder exited cleanly but produced no manifest", Err: err}
		} else {
			out.Status = StatusSucceeded
		}
	}

	return r.finish(job, out)
}

func (r *Runner) finish(job *Job, out Outcome) Outcome {
	if err := job.transition(out.Status); err != nil {
		r.logger.Error("job state", zap.String("job_id", job.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", out.Status.String()),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	}
	if out.Err == nil {
		r.logger.Info("encoder finished", fields...)
		return out
	}
	if out.Signal != "" {
		fields = append(fields, zap.String("signal", out.Signal))
	}
	fields = append(fields, zap.String("stderr_tail", out.Stderr), zap.Error(out.Err))
	r.logger.Error("encoder failed", fields...)
	return out
}

func describeExit(out Outcome) string {
	if out.Signal != "" {
		return fmt.Sprintf("encoder terminated by signal %s", out.Signal)
	}
	if out.ExitCode >= 0 {
		return fmt.Sprintf("encoder exited with code %d", out.ExitCode)
	}
	return "encoder could not be run"
}

func verifyManifest(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it. The copy goroutine of
// exec may still write after Wait gave up on it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
