package transcode

import "time"

// Event types carried in the event_type header.
const (
	EventCompleted = "transcode.completed"
	EventFailed    = "transcode.failed"
)

// TranscodeEvent is emitted once per job that reached the encoder.
type TranscodeEvent struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	ManifestPath string    `json:"manifest_path"`
	PublicURL    string    `json:"public_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	ExitCode     int       `json:"exit_code"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

func newTranscodeEvent(job *Job, out Outcome, publicURL string) (TranscodeEvent, string) {
	ev := TranscodeEvent{
		ID:           job.ID,
		Status:       out.Status.String(),
		ManifestPath: job.ManifestPath,
		ExitCode:     out.ExitCode,
		DurationMs:   out.Duration.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
		return ev, EventFailed
	}
	ev.PublicURL = publicURL
	return ev, EventCompleted
}
