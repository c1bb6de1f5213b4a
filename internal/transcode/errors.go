package transcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure. It decides the HTTP status and whether
// the failure happened before or after a job existed.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindParse
	KindTranscode
	KindTimeout
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindParse:
		return "parse"
	case KindTranscode:
		return "transcode"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind onto the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindParse:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Pipeline stages, used in messages and log fields.
const (
	StageReceive  = "receive"
	StageAllocate = "allocate"
	StageAdmit    = "admit"
	StageEncode   = "encode"
	StageVerify   = "verify"
	StagePipeline = "pipeline"
)

// Error is the single error type leaving the pipeline.
type Error struct {
	Kind    Kind
	Stage   string
	JobID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Stage
	if e.JobID != "" {
		prefix = fmt.Sprintf("%s [job %s]", e.Stage, e.JobID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Stage: StageReceive, Message: msg, Err: err}
}

func parseError(msg string, err error) *Error {
	return &Error{Kind: KindParse, Stage: StageReceive, Message: msg, Err: err}
}

func internalError(stage, jobID, msg string, err error) *Error {
	return &Error{Kind: KindInternal, Stage: stage, JobID: jobID, Message: msg, Err: err}
}

// AsError classifies any error. Errors that are not *Error are reported as
// internal pipeline failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return internalError(StagePipeline, "", "unexpected error", err)
}
