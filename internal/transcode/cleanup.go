package transcode

import (
	"errors"
	"io/fs"
	"os"

	"go.uber.org/zap"
)

// Cleaner removes temporary state of a request. Failures are logged and
// returned for inspection but never change a Result.
type Cleaner struct {
	logger             *zap.Logger
	removeFailedOutput bool
}

// NewCleaner constructs a Cleaner. With removeFailedOutput set, output
// directories of jobs that did not succeed are deleted too.
func NewCleaner(logger *zap.Logger, removeFailedOutput bool) *Cleaner {
	return &Cleaner{logger: logger, removeFailedOutput: removeFailedOutput}
}

// RemoveInputs deletes the temporary upload files.
func (c *Cleaner) RemoveInputs(jobID string, paths []string) []error {
	var errs []error
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			c.logger.Debug("temp input removed", zap.String("job_id", jobID), zap.String("path", p))
		case errors.Is(err, fs.ErrNotExist):
			c.logger.Debug("temp input already gone", zap.String("job_id", jobID), zap.String("path", p))
			errs = append(errs, err)
		default:
			c.logger.Warn("temp input cleanup failed", zap.String("job_id", jobID), zap.String("path", p), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

// RemoveOutput deletes the output directory of a job that did not succeed.
func (c *Cleaner) RemoveOutput(job *Job) error {
	if job == nil || !c.removeFailedOutput || job.Status() == StatusSucceeded {
		return nil
	}
	if err := os.RemoveAll(job.OutputDir); err != nil {
		c.logger.Warn("output cleanup failed", zap.String("job_id", job.ID), zap.String("dir", job.OutputDir), zap.Error(err))
		return err
	}
	return nil
}
