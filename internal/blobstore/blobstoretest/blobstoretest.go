// Package blobstoretest provides an in-memory S3-compatible HTTP server for
// exercising internal/blobstore (and anything built on top of it) without a
// real object store, the way the commit pipeline and Git pack synthesis
// tests need a working Get/Put/Exists round trip.
//
// It understands just enough of the S3 REST API — PUT, GET, HEAD, DELETE on
// a path-style bucket/key URL — to satisfy blobstore.Store; it does not
// validate SigV4 signatures, since the presigned URLs blobstore.Store
// produces are never inspected by anything but this fake.
package blobstoretest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/kohakuhub/hub/internal/blobstore"
)

// Server is a fake S3-compatible endpoint backed by an in-memory object map.
type Server struct {
	httpServer *httptest.Server

	mu      sync.Mutex
	objects map[string][]byte
}

// New starts the fake endpoint and returns it alongside a blobstore.Store
// already configured to talk to it.
func New(bucket string) (*Server, *blobstore.Store) {
	s := &Server{objects: make(map[string][]byte)}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveHTTP))

	store, err := blobstore.New(blobstore.Config{
		Endpoint:       s.httpServer.URL,
		Region:         "us-east-1",
		AccessKey:      "test",
		SecretKey:      "test",
		Bucket:         bucket,
		ForcePathStyle: true,
	})
	if err != nil {
		panic(err) // construction-time error only, never from a request
	}
	return s, store
}

// Close shuts down the fake endpoint.
func (s *Server) Close() { s.httpServer.Close() }

// Put seeds an object directly, bypassing HTTP, for tests that want content
// already present without going through blobstore.Store.Put.
func (s *Server) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *Server) serveHTTP(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path

	switch req.Method {
	case http.MethodPut:
		data, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.objects[key] = data
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		s.mu.Lock()
		data, ok := s.objects[key]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	case http.MethodHead:
		s.mu.Lock()
		data, ok := s.objects[key]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		s.mu.Lock()
		delete(s.objects, key)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
