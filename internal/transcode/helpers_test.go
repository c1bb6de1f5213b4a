package transcode

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/hlstranscoder/pkg/storage/objectstore"
)

// Encoder stand-ins. The manifest path is always the last argument.
const (
	encoderSucceeds = `for last; do :; done
dir=$(dirname "$last")
printf 'ts' > "$dir/segment000.ts"
printf '#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:10.0,\nsegment000.ts\n#EXT-X-ENDLIST\n' > "$last"
`
	encoderFails = `for last; do :; done
printf '#EXTM3U\n' > "$last"
echo "Invalid data found when processing input" >&2
exit 3
`
	encoderNoManifest = `exit 0
`
)

func encoderHangs(pidFile string) string {
	return "echo $$ > '" + pidFile + "'\nexec sleep 30\n"
}

func writeEncoder(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type filePart struct {
	name    string
	content string
}

func newUploadRequest(t *testing.T, field string, files []filePart, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(field, f.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func videoUpload(t *testing.T) *http.Request {
	return newUploadRequest(t, FileField, []filePart{{name: "lesson.mp4", content: "not really a video"}}, nil)
}

type fakeProducer struct {
	mu      sync.Mutex
	events  []TranscodeEvent
	headers []map[string]string
	err     error
}

func (p *fakeProducer) PublishJSON(ctx context.Context, key string, v any, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(TranscodeEvent))
	p.headers = append(p.headers, headers)
	return p.err
}

func (p *fakeProducer) Close(ctx context.Context) error {
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]objectstore.PutOptions
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts objectstore.PutOptions) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string]objectstore.PutOptions{}
	}
	s.objects[key] = opts
	return nil
}

func (s *fakeStore) Close() error {
	return nil
}

type harness struct {
	outputDir string
	tempDir   string
	limiter   *Limiter
	producer  *fakeProducer
	store     *fakeStore
	service   *Service
	handler   http.Handler
}

type harnessOptions struct {
	timeout       time.Duration
	maxConcurrent int
	admissionWait time.Duration
	parseTimeout  time.Duration
	encoder       Encoder
}

func newHarness(t *testing.T, encoder string, opts harnessOptions) *harness {
	t.Helper()
	if opts.timeout == 0 {
		opts.timeout = 10 * time.Second
	}
	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 4
	}

	root := t.TempDir()
	h := &harness{
		outputDir: filepath.Join(root, "uploads", "courses"),
		tempDir:   filepath.Join(root, "tmp"),
		limiter:   NewLimiter(opts.maxConcurrent, opts.admissionWait),
		producer:  &fakeProducer{},
		store:     &fakeStore{},
	}
	require.NoError(t, os.MkdirAll(h.tempDir, 0o755))

	publisher, err := NewPublisher("http://media.example.com:8080")
	require.NoError(t, err)

	logger := zap.NewNop()
	var runner Encoder = NewRunner(RunnerConfig{
		Binary:     encoder,
		VideoCodec: "libx264",
		AudioCodec: "aac",
		Timeout:    opts.timeout,
	}, logger)
	if opts.encoder != nil {
		runner = opts.encoder
	}
	h.service = NewService(Params{
		Layout:    NewLayout(h.outputDir),
		Runner:    runner,
		Limiter:   h.limiter,
		Publisher: publisher,
		Cleaner:   NewCleaner(logger, true),
		Store:     h.store,
		Producer:  h.producer,
		Logger:    logger,
	})
	receiver := NewReceiver(ReceiverConfig{
		MaxSizeBytes:      1 << 20,
		MultipartMemBytes: 1 << 10,
		TempDir:           h.tempDir,
		ParseTimeout:      opts.parseTimeout,
	})
	h.handler = NewHTTPHandler(h.service, receiver, logger, h.outputDir).Router()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type panickingEncoder struct{}

func (panickingEncoder) Run(ctx context.Context, job *Job) Outcome {
	panic("encoder blew up")
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
