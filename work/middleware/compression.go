package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"stalker-proxy/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool holds BestSpeed writers; playlists are regenerated per request so
// throughput matters more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter compresses the body written through it. Content-Encoding is set
// lazily so handlers that answer with an error before writing still send it.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
	wroteBody   bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	h := w.ResponseWriter.Header()
	if status != http.StatusNoContent && status != http.StatusNotModified && h.Get("Content-Encoding") == "" {
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.ResponseWriter.Header().Get("Content-Encoding") != "gzip" {
		return w.ResponseWriter.Write(b)
	}
	w.wroteBody = true
	return w.gz.Write(b)
}

// Flush pushes buffered compressed data to the client.
func (w *gzipResponseWriter) Flush() {
	if w.wroteBody {
		w.gz.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware compresses responses for clients advertising gzip. HEAD requests and
// clients without gzip support pass through untouched.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if r.Method == http.MethodHead || !acceptsGzip(r.Header.Get("Accept-Encoding")) {
			next(w, r)
			return
		}

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		gzw := &gzipResponseWriter{ResponseWriter: w, gz: gz}
		defer func() {
			if gzw.wroteBody {
				if err := gz.Close(); err != nil {
					logger.Debug("{middleware/compression - GzipMiddleware} Failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
				}
			}
			gz.Reset(io.Discard)
			gzipWriterPool.Put(gz)
		}()

		next(gzw, r)
	}
}

// acceptsGzip reports whether an Accept-Encoding value allows gzip. "gzip;q=0" opts out.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}
