//go:build unix

package transcode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type responseBody struct {
	Message  string `json:"message"`
	VideoURL string `json:"videoUrl"`
	LessonID string `json:"lessonId"`
	Error    string `json:"error"`
	Success  bool   `json:"success"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) responseBody {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body responseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestUpload_Success(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	rec := h.do(videoUpload(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "Video converted to HLS format", body.Message)
	require.NotEmpty(t, body.LessonID)
	assert.Equal(t, "http://media.example.com:8080/uploads/courses/"+body.LessonID+"/index.m3u8", body.VideoURL)

	manifest := filepath.Join(h.outputDir, body.LessonID, ManifestName)
	assert.FileExists(t, manifest)
	assert.FileExists(t, filepath.Join(h.outputDir, body.LessonID, "segment000.ts"))
	assert.Empty(t, dirEntries(t, h.tempDir), "temp input must be removed")

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, "succeeded", h.producer.events[0].Status)
	assert.Equal(t, body.VideoURL, h.producer.events[0].PublicURL)
	assert.Equal(t, EventCompleted, h.producer.headers[0]["event_type"])

	assert.Contains(t, h.store.objects, "courses/"+body.LessonID+"/index.m3u8")
	assert.Equal(t, "video/mp2t", h.store.objects["courses/"+body.LessonID+"/segment000.ts"].ContentType)
}

func TestUpload_LessonIDsAreUnique(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		rec := h.do(videoUpload(t))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.False(t, seen[body.LessonID], "duplicate lesson id %s", body.LessonID)
		seen[body.LessonID] = true
	}
	assert.Len(t, dirEntries(t, h.outputDir), 5)
}

func TestUpload_NotMultipart(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Message)
	assert.Empty(t, body.LessonID)
	assert.Empty(t, dirEntries(t, h.outputDir), "no job directory may be created")
	assert.Empty(t, h.producer.events)
}

func TestUpload_MissingFileField(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	req := newUploadRequest(t, "video", []filePart{{name: "a.mp4", content: "data"}}, map[string]string{"title": "intro"})
	rec := h.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "No file uploaded", body.Message)
	assert.Empty(t, dirEntries(t, h.outputDir))
	assert.Empty(t, dirEntries(t, h.tempDir))
}

func TestUpload_EncoderFailsWithStaleManifest(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderFails), harnessOptions{})

	rec := h.do(videoUpload(t))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.Empty(t, body.VideoURL)
	assert.Contains(t, body.Message, "exited with code 3")
	assert.NotEmpty(t, body.Error)

	assert.Empty(t, dirEntries(t, h.tempDir), "temp input must be removed on failure")
	assert.Empty(t, dirEntries(t, h.outputDir), "failed output must not be kept")

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, "failed", h.producer.events[0].Status)
	assert.Equal(t, 3, h.producer.events[0].ExitCode)
	assert.Equal(t, EventFailed, h.producer.headers[0]["event_type"])
	assert.Empty(t, h.store.objects)
}

func TestUpload_EncoderTimeout(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	timeout := 300 * time.Millisecond
	h := newHarness(t, writeEncoder(t, encoderHangs(pidFile)), harnessOptions{timeout: timeout})

	started := time.Now()
	rec := h.do(videoUpload(t))
	elapsed := time.Since(started)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Less(t, elapsed, timeout+3*time.Second)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.Contains(t, body.Message, "killed")

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, "timed_out", h.producer.events[0].Status)
	assert.Empty(t, dirEntries(t, h.tempDir))
}

func TestUpload_ConcurrentJobsAreIsolated(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	reqs := []*http.Request{videoUpload(t), videoUpload(t)}
	bodies := make([]responseBody, len(reqs))
	codes := make([]int, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, reqs[i])
			codes[i] = rec.Code
			_ = json.Unmarshal(rec.Body.Bytes(), &bodies[i])
		}(i)
	}
	wg.Wait()

	for i := range bodies {
		require.Equal(t, http.StatusOK, codes[i])
	}
	assert.NotEqual(t, bodies[0].LessonID, bodies[1].LessonID)
	for _, b := range bodies {
		assert.ElementsMatch(t, []string{ManifestName, "segment000.ts"}, dirEntries(t, filepath.Join(h.outputDir, b.LessonID)))
	}
}

func TestUpload_AdmissionRejected(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{maxConcurrent: 1})

	release, err := h.limiter.Acquire(t.Context(), "held")
	require.NoError(t, err)
	defer release()

	rec := h.do(videoUpload(t))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "transcoder busy, retry later", body.Message)
	assert.Empty(t, dirEntries(t, h.tempDir))
	assert.Empty(t, dirEntries(t, h.outputDir))
	assert.Empty(t, h.producer.events)
}

func TestRouter_ServesManifest(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})
	body := decodeBody(t, h.do(videoUpload(t)))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/uploads/courses/"+body.LessonID+"/index.m3u8", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "#EXTM3U"))

	rec = h.do(httptest.NewRequest(http.MethodGet, "/uploads/courses/"+body.LessonID+"/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_HealthAndCORS(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodOptions, "/upload", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestService_ProcessRemovesEveryTempFile(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{})

	var paths []string
	for _, name := range []string{"a", "b"} {
		p := filepath.Join(h.tempDir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		paths = append(paths, p)
	}
	req := &UploadRequest{Files: []FileDescriptor{{TempPath: paths[0], Size: 1}, {TempPath: paths[1], Size: 1}}}

	res := h.service.Process(t.Context(), req)
	assert.True(t, res.Success)
	assert.Empty(t, dirEntries(t, h.tempDir))

	again := NewCleaner(h.service.logger, true).RemoveInputs(res.JobID, paths)
	assert.Len(t, again, 2)
	assert.True(t, res.Success, "a second cleanup does not change the result")
}

func TestUpload_StalledBodyTimesOut(t *testing.T) {
	h := newHarness(t, writeEncoder(t, encoderSucceeds), harnessOptions{parseTimeout: 300 * time.Millisecond})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	const boundary = "stalled"
	partial := "--" + boundary + "\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"lesson.mp4\"\r\n" +
		"Content-Type: video/mp4\r\n\r\n" +
		"first bytes of a video"
	_, err = fmt.Fprintf(conn, "POST /upload HTTP/1.1\r\nHost: %s\r\n"+
		"Content-Type: multipart/form-data; boundary=%s\r\nContent-Length: 100000\r\n\r\n%s",
		srv.Listener.Addr(), boundary, partial)
	require.NoError(t, err)

	started := time.Now()
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err, "a stalled upload must still get a response")
	defer resp.Body.Close()
	assert.Less(t, time.Since(started), 3*time.Second)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body responseBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.False(t, body.Success)
	assert.Equal(t, "upload was not received in time", body.Message)
	assert.Empty(t, body.Error, "socket details stay in the logs")
	assert.Empty(t, dirEntries(t, h.tempDir))
	assert.Empty(t, dirEntries(t, h.outputDir))
}

func TestService_PanicReleasesSlot(t *testing.T) {
	h := newHarness(t, "", harnessOptions{maxConcurrent: 1, encoder: panickingEncoder{}})

	rec := h.do(videoUpload(t))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decodeBody(t, rec).Success)
	assert.Empty(t, dirEntries(t, h.tempDir))
	assert.Empty(t, dirEntries(t, h.outputDir), "output of a crashed job is removed")

	release, err := h.limiter.Acquire(t.Context(), "next")
	require.NoError(t, err, "the crashed job must give its slot back")
	release()
}
