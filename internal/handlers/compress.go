// Package handlers carries the teacher's own internal/handlers middleware
// forward: response compression negotiation and Apache-style access
// logging, wrapped around the root mux in cmd/kohakuhub. Both pieces are
// grounded on gorilla/handlers' public API (the ecosystem library the
// teacher's own internal/handlers mirrors), reimplemented here rather than
// imported directly so CompressHandler can stay exercised as an in-tree
// package the way the teacher keeps it.
package handlers

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strings"
)

type compressResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *compressResponseWriter) Write(b []byte) (int, error) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", http.DetectContentType(b))
	}
	return w.Writer.Write(b)
}

func (w *compressResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *compressResponseWriter) Flush() {
	if f, ok := w.Writer.(interface{ Flush() }); ok {
		f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CompressHandler wraps h with gzip/deflate response compression at
// gzip.DefaultCompression, negotiated from the request's Accept-Encoding.
func CompressHandler(h http.Handler) http.Handler {
	return CompressHandlerLevel(h, gzip.DefaultCompression)
}

// CompressHandlerLevel is CompressHandler with an explicit compression
// level; an invalid level falls back to gzip.DefaultCompression rather than
// panicking, since a bad operator-supplied level shouldn't take the server
// down.
func CompressHandlerLevel(h http.Handler, level int) http.Handler {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enc := r.Header.Get("Content-Encoding"); enc != "" {
			switch strings.ToLower(enc) {
			case "gzip":
				gz, err := gzip.NewReader(r.Body)
				if err != nil {
					http.Error(w, "invalid gzip request body", http.StatusBadRequest)
					return
				}
				defer gz.Close()
				r.Body = io.NopCloser(gz)
			case "deflate":
				r.Body = io.NopCloser(flate.NewReader(r.Body))
			default:
				http.Error(w, "unsupported Content-Encoding", http.StatusBadRequest)
				return
			}
		}

		w.Header().Add("Vary", "Accept-Encoding")

		if r.Header.Get("Upgrade") != "" {
			h.ServeHTTP(w, r)
			return
		}

		accept := r.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(accept, "gzip"):
			gw, err := gzip.NewWriterLevel(w, level)
			if err != nil {
				h.ServeHTTP(w, r)
				return
			}
			defer gw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")
			h.ServeHTTP(&compressResponseWriter{Writer: gw, ResponseWriter: w}, r)
		case strings.Contains(accept, "deflate"):
			fw, err := flate.NewWriter(w, level)
			if err != nil {
				h.ServeHTTP(w, r)
				return
			}
			defer fw.Close()
			w.Header().Set("Content-Encoding", "deflate")
			w.Header().Del("Content-Length")
			h.ServeHTTP(&compressResponseWriter{Writer: fw, ResponseWriter: w}, r)
		default:
			h.ServeHTTP(w, r)
		}
	})
}
