package transcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ManifestName is the playlist file written into every job directory.
const ManifestName = "index.m3u8"

const maxAllocateAttempts = 3

// Layout derives per-job output locations under a base directory.
type Layout struct {
	baseDir string
	newID   func() string
}

// NewLayout returns a Layout rooted at baseDir.
func NewLayout(baseDir string) *Layout {
	return &Layout{baseDir: baseDir, newID: uuid.NewString}
}

// BaseDir returns the directory holding all job directories.
func (l *Layout) BaseDir() string {
	return l.baseDir
}

// Allocate creates a fresh job for inputPath together with its output
// directory. A directory that already exists is never reused.
func (l *Layout) Allocate(inputPath string) (*Job, error) {
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return nil, internalError(StageAllocate, "", "failed to create output directory", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		id := l.newID()
		outputDir := filepath.Join(l.baseDir, id)
		err := os.Mkdir(outputDir, 0o755)
		if errors.Is(err, os.ErrExist) {
			lastErr = fmt.Errorf("job directory %s already exists", outputDir)
			continue
		}
		if err != nil {
			return nil, internalError(StageAllocate, id, "failed to create output directory", err)
		}
		return &Job{
			ID:           id,
			InputPath:    inputPath,
			OutputDir:    outputDir,
			ManifestPath: filepath.Join(outputDir, ManifestName),
			status:       StatusPending,
		}, nil
	}
	return nil, internalError(StageAllocate, "", "failed to allocate a unique job id", lastErr)
}
