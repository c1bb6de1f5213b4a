package transcode

import (
	"fmt"
	"net/http"
	"net/url"
)

// PublicPathPrefix is the URL path under which job directories are served.
const PublicPathPrefix = "uploads/courses"

// Result is the final answer of the pipeline for one request.
type Result struct {
	Success    bool
	Message    string
	PublicURL  string
	JobID      string
	Error      string
	HTTPStatus int
}

// Publisher turns terminal jobs and errors into Results.
type Publisher struct {
	base *url.URL
}

// NewPublisher validates baseURL, which must be an absolute http(s) URL.
func NewPublisher(baseURL string) (*Publisher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse public base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("public base url %q must be an absolute http(s) url", baseURL)
	}
	return &Publisher{base: u}, nil
}

// ManifestURL is the public address of a job's manifest.
func (p *Publisher) ManifestURL(jobID string) string {
	return p.base.JoinPath(PublicPathPrefix, jobID, ManifestName).String()
}

// Success reports a job that finished with a verified manifest.
func (p *Publisher) Success(job *Job) Result {
	return Result{
		Success:    true,
		Message:    "Video converted to HLS format",
		PublicURL:  p.ManifestURL(job.ID),
		JobID:      job.ID,
		HTTPStatus: http.StatusOK,
	}
}

// Failure reports err. Client errors and receive failures carry their own
// message; later server side failures name the stage. Only encoder
// diagnostics are exposed in Error.
func (p *Publisher) Failure(err error) Result {
	te := AsError(err)
	res := Result{
		Message:    te.Message,
		JobID:      te.JobID,
		HTTPStatus: te.Kind.HTTPStatus(),
	}
	if res.HTTPStatus == http.StatusInternalServerError && te.Stage != StageReceive {
		res.Message = fmt.Sprintf("Error converting video: %s failed: %s", te.Stage, te.Message)
	}
	if te.Err != nil && (te.Stage == StageEncode || te.Stage == StageVerify) &&
		(te.Kind == KindTranscode || te.Kind == KindTimeout) {
		res.Error = te.Err.Error()
	}
	return res
}
