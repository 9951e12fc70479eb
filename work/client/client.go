package client

import (
	"net"
	"net/http"
	"time"
)

// HeaderSettingClient holds the two HTTP clients used to talk to portals: one for
// short API calls bounded end to end, and one for media streams that may stay open
// for hours and are only bounded until the response headers arrive.
type HeaderSettingClient struct {
	API    *http.Client
	Stream *http.Client
}

// Timeouts configures the clients.
type Timeouts struct {
	Connect time.Duration // dial, TLS and response header bound
	Read    time.Duration // whole-request bound for API calls
}

// NewHeaderSettingClient builds clients sharing one tuned transport.
func NewHeaderSettingClient(t Timeouts) *HeaderSettingClient {
	if t.Connect <= 0 {
		t.Connect = 10 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 20 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   t.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   t.Connect,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: t.Connect,
	}

	return &HeaderSettingClient{
		API: &http.Client{
			Timeout:   t.Read,
			Transport: transport,
		},
		Stream: &http.Client{
			Timeout:   0, // no overall timeout for streaming; the relay watches for stalls
			Transport: transport,
		},
	}
}

// DoAPI sends a portal API request with default headers filled in.
func (hsc *HeaderSettingClient) DoAPI(req *http.Request) (*http.Response, error) {
	setDefaultHeaders(req)
	return hsc.API.Do(req)
}

// DoStream sends a media request with default headers filled in. The caller owns the
// body and must close it.
func (hsc *HeaderSettingClient) DoStream(req *http.Request) (*http.Response, error) {
	setDefaultHeaders(req)
	return hsc.Stream.Do(req)
}

// setDefaultHeaders only fills headers the caller left empty; session headers always win.
func setDefaultHeaders(req *http.Request) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if req.Header.Get("Connection") == "" {
		req.Header.Set("Connection", "keep-alive")
	}
}

// CustomResponseWriter wraps http.ResponseWriter to track whether headers went out and
// to expose Flush for streaming.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{ResponseWriter: w}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}
	crw.Header().Set("Cache-Control", "no-cache")
	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status sent to the client, 0 before WriteHeader.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
