package handlers

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kohakuhub/hub/internal/auth"
)

// responseLogger captures the status code and byte count of a response so
// LoggingHandler can report them after the inner handler returns.
type responseLogger struct {
	w      http.ResponseWriter
	status int
	size   int
}

func (l *responseLogger) Header() http.Header { return l.w.Header() }

func (l *responseLogger) Write(b []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	n, err := l.w.Write(b)
	l.size += n
	return n, err
}

func (l *responseLogger) WriteHeader(s int) {
	l.w.WriteHeader(s)
	l.status = s
}

func (l *responseLogger) Status() int { return l.status }
func (l *responseLogger) Size() int   { return l.size }

func (l *responseLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := l.w.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// LogFormatterParams carries everything a custom log formatter needs to
// render one access-log line.
type LogFormatterParams struct {
	Request    *http.Request
	URL        url.URL
	TimeStamp  time.Time
	StatusCode int
	Size       int
}

// LogFormatter renders one access-log line for params into w.
type LogFormatter func(writer io.Writer, params LogFormatterParams)

type loggingHandler struct {
	writer    io.Writer
	handler   http.Handler
	formatter LogFormatter
}

func (h loggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t := time.Now()
	logger := &responseLogger{w: w, status: http.StatusOK}
	url := *req.URL
	h.handler.ServeHTTP(logger, req)

	params := LogFormatterParams{
		Request:    req,
		URL:        url,
		TimeStamp:  t,
		StatusCode: logger.Status(),
		Size:       logger.Size(),
	}
	h.formatter(h.writer, params)
}

// LoggingHandler wraps h, writing one Apache Common Log Format line per
// request to out.
func LoggingHandler(out io.Writer, h http.Handler) http.Handler {
	return loggingHandler{writer: out, handler: h, formatter: writeCommonLog}
}

// CombinedLoggingHandler wraps h, writing one Apache Combined Log Format
// line per request (Common Log Format plus Referer and User-Agent).
func CombinedLoggingHandler(out io.Writer, h http.Handler) http.Handler {
	return loggingHandler{writer: out, handler: h, formatter: writeCombinedLog}
}

// CustomLoggingHandler wraps h, invoking f with the request's
// LogFormatterParams instead of writing a fixed log format.
func CustomLoggingHandler(out io.Writer, h http.Handler, f LogFormatter) http.Handler {
	return loggingHandler{writer: out, handler: h, formatter: f}
}

func writeCommonLog(w io.Writer, params LogFormatterParams) {
	buf := buildCommonLogLine(params.Request, params.URL, params.TimeStamp, params.StatusCode, params.Size)
	buf = append(buf, '\n')
	w.Write(buf)
}

func writeCombinedLog(w io.Writer, params LogFormatterParams) {
	buf := buildCommonLogLine(params.Request, params.URL, params.TimeStamp, params.StatusCode, params.Size)
	buf = append(buf, ` "`...)
	buf = appendQuoted(buf, params.Request.Referer())
	buf = append(buf, `" "`...)
	buf = appendQuoted(buf, params.Request.UserAgent())
	buf = append(buf, '"', '\n')
	w.Write(buf)
}

// buildCommonLogLine renders the Apache Common Log Format prefix shared by
// both formatters: "host ident authuser [date] \"request\" status size".
func buildCommonLogLine(req *http.Request, u url.URL, ts time.Time, status, size int) []byte {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}

	uri := req.RequestURI
	if uri == "" {
		uri = u.RequestURI()
	}

	authuser := "-"
	if id := auth.From(req); !id.Anonymous() {
		authuser = id.Username
	}

	buf := make([]byte, 0, 3*len(host)+3*len(req.Method)+3*len(uri)+50+len(authuser))
	buf = append(buf, host...)
	buf = append(buf, " - "...)
	buf = append(buf, authuser...)
	buf = append(buf, " ["...)
	buf = append(buf, ts.Format("02/Jan/2006:15:04:05 -0700")...)
	buf = append(buf, `] "`...)
	buf = append(buf, req.Method...)
	buf = append(buf, ' ')
	buf = appendQuoted(buf, uri)
	buf = append(buf, ' ')
	buf = append(buf, req.Proto...)
	buf = append(buf, '"', ' ')
	buf = append(buf, strconv.Itoa(status)...)
	buf = append(buf, ' ')
	buf = append(buf, strconv.Itoa(size)...)
	return buf
}

// appendQuoted appends s to buf, escaping backslash, double quote, newline,
// carriage return and tab; other control characters are dropped.
func appendQuoted(buf []byte, s string) []byte {
	for _, r := range s {
		switch r {
		case '\\', '"':
			buf = append(buf, '\\', byte(r))
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < ' ' {
				continue
			}
			buf = append(buf, []byte(string(r))...)
		}
	}
	return buf
}
