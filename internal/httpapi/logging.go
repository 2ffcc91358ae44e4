package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger used by the HTTP layer. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "httpapi").Logger() }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel applies when a request carries no override.
var defaultLogLevel = func() LogLevel {
	if v, ok := os.LookupEnv("PROVISIOND_HTTP_LOG_LEVEL"); ok {
		return parseLevel(v)
	}
	return LevelInfo
}()

// requestLogLevel honors ?log= and X-Log-Level, in that order.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLogger returns zlog with request correlation fields attached.
func requestLogger(r *http.Request) zerolog.Logger {
	c := zlog.With().Str("path", r.URL.Path).Str("method", r.Method)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		c = c.Str("request_id", rid)
	}
	return c.Logger()
}

// logEnd writes the request summary line at the requested level. Errors are
// logged whenever the level is not off.
func logEnd(r *http.Request, lvl LogLevel, event string, status int, start time.Time, err error) {
	if lvl == LevelOff || (lvl == LevelError && err == nil) {
		return
	}
	l := requestLogger(r)
	ev := l.Info()
	if err != nil {
		ev = l.Warn().Err(err)
	}
	ev.Int("status", status).Int64("dur_ms", time.Since(start).Milliseconds()).Msg(event)
}

// ndjsonLogWriter logs each complete NDJSON line written to a stream at
// debug level. Partial lines are held until their newline arrives.
type ndjsonLogWriter struct {
	log    zerolog.Logger
	stream string
	buf    []byte
}

func (lw *ndjsonLogWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := lw.buf[:idx]; len(line) > 0 {
			lw.log.Debug().Str("stream", lw.stream).RawJSON("line", line).Msg("ndjson")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
