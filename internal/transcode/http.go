package transcode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/hlstranscoder/pkg/storage/objectstore"
)

// HTTPHandler exposes REST endpoints for the transcoder.
type HTTPHandler struct {
	service   *Service
	receiver  *Receiver
	logger    *zap.Logger
	outputDir string
	router    chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes. outputDir is
// served read-only under /uploads/courses/.
func NewHTTPHandler(service *Service, receiver *Receiver, logger *zap.Logger, outputDir string) *HTTPHandler {
	h := &HTTPHandler{
		service:   service,
		receiver:  receiver,
		logger:    logger,
		outputDir: outputDir,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/", h.handleIndex)
	r.Get("/ping", h.handlePing)
	r.Get("/healthz", h.handleHealth)
	r.Post("/upload", h.handleUpload)
	r.Handle("/"+PublicPathPrefix+"/*", http.StripPrefix("/"+PublicPathPrefix+"/", hlsFileServer(h.outputDir)))

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "hls transcoder: POST /upload")
}

func (h *HTTPHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "pong")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			writeResult(w, h.service.Reject(internalError(StagePipeline, "", "unexpected failure", fmt.Errorf("panic: %v", rec))))
		}
	}()

	ctx, span := tracer.Start(r.Context(), "upload.receive")
	req, err := h.receiver.Receive(w, r.WithContext(ctx))
	endSpan(span, err)
	if err != nil {
		writeResult(w, h.service.Reject(err))
		return
	}

	writeResult(w, h.service.Process(r.Context(), req))
}

type uploadResponse struct {
	Message  string `json:"message"`
	VideoURL string `json:"videoUrl,omitempty"`
	LessonID string `json:"lessonId,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

func writeResult(w http.ResponseWriter, res Result) {
	body := uploadResponse{
		Message: res.Message,
		Error:   res.Error,
		Success: res.Success,
	}
	if res.Success {
		body.VideoURL = res.PublicURL
		body.LessonID = res.JobID
	}
	writeJSON(w, res.HTTPStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// hlsFileServer serves job artifacts with HLS media types. Directory
// listings are not exposed.
func hlsFileServer(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", objectstore.ContentType(r.URL.Path))
		fs.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
