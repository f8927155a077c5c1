package httpserver

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

type ctxKey struct{}

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 64
)

var errNoHijack = errors.New("httpserver: connection cannot be hijacked")

// accessRecorder remembers the first status code and the body size.
type accessRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (a *accessRecorder) WriteHeader(code int) {
	if a.code == 0 {
		a.code = code
	}
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(b []byte) (int, error) {
	if a.code == 0 {
		a.code = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(b)
	a.written += int64(n)
	return n, err
}

func (a *accessRecorder) statusCode() int {
	return cmp.Or(a.code, http.StatusOK)
}

func (a *accessRecorder) Flush() {
	if f, ok := a.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket handshake take over the connection.
func (a *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := a.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	a.code = cmp.Or(a.code, http.StatusSwitchingProtocols)
	return hj.Hijack()
}

func (a *accessRecorder) Unwrap() http.ResponseWriter {
	return a.ResponseWriter
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.requestID(r)
		w.Header().Set(requestIDHeader, id)

		attrs := []any{"req_id", id, "method", r.Method, "path", r.URL.Path}
		if r.RemoteAddr != "" {
			attrs = append(attrs, "remote_addr", r.RemoteAddr)
		}
		logger := s.logger.With(attrs...)

		rec := &accessRecorder{ResponseWriter: w}
		began := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, logger)))

		logger.Log(r.Context(), accessLevel(r.URL.Path, rec.statusCode()), "request complete",
			"status", rec.statusCode(),
			"duration", time.Since(began),
			"bytes", rec.written,
		)
	})
}

// requestID keeps a caller supplied id when it is short printable ASCII.
func (s *Server) requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" && len(id) <= maxRequestIDLen && printable(id) {
		return id
	}
	return strconv.FormatUint(s.requestIDs.Add(1), 10)
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// accessLevel demotes health and scrape endpoints and promotes server errors.
func accessLevel(path string, code int) slog.Level {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return slog.LevelDebug
	}
	if code >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return s.logger
}
