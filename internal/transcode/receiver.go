package transcode

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// FileField is the multipart field carrying the video.
const FileField = "file"

// FileDescriptor describes one uploaded file after it was buffered to disk.
type FileDescriptor struct {
	TempPath    string
	Filename    string
	ContentType string
	Size        int64
}

// UploadRequest is the parsed form of an upload.
type UploadRequest struct {
	Fields map[string]string
	Files  []FileDescriptor
}

// Selected returns the file that gets transcoded. The first one wins when the
// field was repeated.
func (u *UploadRequest) Selected() FileDescriptor {
	return u.Files[0]
}

// TempPaths lists every temporary file written for the request.
func (u *UploadRequest) TempPaths() []string {
	paths := make([]string, 0, len(u.Files))
	for _, f := range u.Files {
		paths = append(paths, f.TempPath)
	}
	return paths
}

// ReceiverConfig bounds the upload parsing.
type ReceiverConfig struct {
	MaxSizeBytes int64
	// MultipartMemBytes bounds the combined size of the non-file fields.
	MultipartMemBytes int64
	TempDir           string
	ParseTimeout      time.Duration
}

// Receiver turns a raw multipart request into an UploadRequest.
type Receiver struct {
	cfg ReceiverConfig
}

// NewReceiver constructs a Receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Receiver{cfg: cfg}
}

// Receive streams the request parts straight into TempDir and validates
// them. On error no temporary file is left behind, the connection is marked
// for closing, and the returned error is a *Error.
func (rc *Receiver) Receive(w http.ResponseWriter, r *http.Request) (*UploadRequest, error) {
	req, err := rc.receive(w, r)
	if err != nil {
		// Unread body bytes would otherwise be drained before the response.
		w.Header().Set("Connection", "close")
		return nil, err
	}
	return req, nil
}

func (rc *Receiver) receive(w http.ResponseWriter, r *http.Request) (*UploadRequest, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, validationError("content type must be multipart/form-data", err)
	}

	if r.ContentLength > rc.cfg.MaxSizeBytes {
		return nil, validationError(fmt.Sprintf("upload exceeds %d bytes", rc.cfg.MaxSizeBytes), nil)
	}

	if rc.cfg.ParseTimeout > 0 {
		ctrl := http.NewResponseController(w)
		// Not every ResponseWriter supports deadlines; parsing is then bounded by the server timeouts.
		if dlErr := ctrl.SetReadDeadline(time.Now().Add(rc.cfg.ParseTimeout)); dlErr == nil {
			// On failure the deadline stays so a stalled client cannot block the response.
			defer func() {
				if err == nil {
					ctrl.SetReadDeadline(time.Time{}) //nolint:errcheck
				}
			}()
		}
	}

	body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, rc.cfg.MaxSizeBytes)}
	r.Body = body
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, parseError("invalid multipart form", err)
	}

	req := &UploadRequest{Fields: map[string]string{}}
	if err = rc.readParts(mr, body, req); err != nil {
		removeQuietly(req.TempPaths())
		return nil, err
	}

	if len(req.Files) == 0 {
		err = validationError("No file uploaded", nil)
		return nil, err
	}
	if req.Selected().Size == 0 {
		removeQuietly(req.TempPaths())
		err = validationError("uploaded file is empty", nil)
		return nil, err
	}
	return req, nil
}

// readParts consumes every part of mr. Files under FileField are persisted,
// other files are discarded, and plain fields count against MultipartMemBytes.
func (rc *Receiver) readParts(mr *multipart.Reader, body *limitedBody, req *UploadRequest) error {
	fieldBudget := rc.cfg.MultipartMemBytes
	for {
		part, err := mr.NextPart()
		// A wrapped io.EOF means the body ended before the closing boundary.
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rc.classifyReadError(body, err)
		}

		switch {
		case part.FileName() != "" && part.FormName() == FileField:
			desc, err := rc.persist(part)
			if err != nil {
				part.Close()
				return rc.classifyReadError(body, err)
			}
			req.Files = append(req.Files, desc)
		case part.FileName() != "":
			if _, err := io.Copy(io.Discard, part); err != nil {
				part.Close()
				return rc.classifyReadError(body, err)
			}
		default:
			value, err := io.ReadAll(io.LimitReader(part, fieldBudget+1))
			if err != nil {
				part.Close()
				return rc.classifyReadError(body, err)
			}
			fieldBudget -= int64(len(value))
			if fieldBudget < 0 {
				part.Close()
				return validationError(fmt.Sprintf("form fields exceed %d bytes", rc.cfg.MultipartMemBytes), nil)
			}
			// Last value wins for repeated fields.
			req.Fields[strings.ToLower(part.FormName())] = string(value)
		}
		part.Close()
	}
}

func (rc *Receiver) classifyReadError(body *limitedBody, err error) *Error {
	var netErr net.Error
	switch {
	case body.exceeded:
		return validationError(fmt.Sprintf("upload exceeds %d bytes", rc.cfg.MaxSizeBytes), err)
	case body.timedOut, errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Stage: StageReceive, Message: "upload was not received in time", Err: err}
	case body.failed:
		return parseError("failed to read upload", err)
	default:
		return parseError("invalid multipart form", err)
	}
}

func (rc *Receiver) persist(part *multipart.Part) (FileDescriptor, error) {
	dst, err := os.CreateTemp(rc.cfg.TempDir, "upload-*")
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(dst, part)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst.Name()) //nolint:errcheck
		return FileDescriptor{}, fmt.Errorf("write temp file: %w", err)
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return FileDescriptor{
		TempPath:    dst.Name(),
		Filename:    part.FileName(),
		ContentType: contentType,
		Size:        n,
	}, nil
}

// limitedBody records why reading the request body failed, since the
// multipart reader does not always wrap the underlying error.
type limitedBody struct {
	io.ReadCloser
	exceeded bool
	timedOut bool
	failed   bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	b.failed = true
	var tooLarge *http.MaxBytesError
	var netErr net.Error
	switch {
	case errors.As(err, &tooLarge):
		b.exceeded = true
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		b.timedOut = true
	}
	return n, err
}

func removeQuietly(paths []string) {
	for _, p := range paths {
		os.Remove(p) //nolint:errcheck
	}
}
