// Command kohakuhub is the self-hostable repository hub of the
// specification: it serves the HuggingFace-compatible REST API, the Git
// Smart HTTP v1 transport, and the Git LFS Batch API on one namespace,
// backed by a relational store, an in-process versioned store, and an
// S3-compatible blob store.
//
// Wiring mirrors the teacher's cmd/gitd/main.go: flag-driven start-up
// configuration, compress + Apache-log-format middleware wrapping a single
// http.Handler, and a flat main() with no mid-flight reload.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/hub/internal/api"
	"github.com/kohakuhub/hub/internal/apierr"
	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/commitengine"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/gitproto"
	"github.com/kohakuhub/hub/internal/handlers"
	"github.com/kohakuhub/hub/internal/lfsapi"
	"github.com/kohakuhub/hub/internal/queue"
	"github.com/kohakuhub/hub/internal/vstore"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing configuration: %v\n", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DBDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	blob, err := blobstore.New(blobstore.Config{
		Endpoint:       cfg.BlobEndpoint,
		SignEndpoint:   cfg.BlobPublicEndpoint,
		AccessKey:      cfg.BlobAccessKey,
		SecretKey:      cfg.BlobSecretKey,
		Bucket:         cfg.BlobBucket,
		ForcePathStyle: cfg.BlobUsePathStyle,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring blob store: %v\n", err)
		os.Exit(1)
	}

	// Section 4.7's versioned store: the in-process implementation, which
	// section 9 deems conformant, is always used; the configured
	// versioned-store endpoint and credentials are not read. A LakeFS-like
	// binding would plug in here behind the same vstore.Store interface.
	var store vstore.Store = vstore.NewMemStore()

	resolver := &auth.Resolver{DB: database}

	queueStore, err := queue.NewStore(cfg.DBDSN + ".queue")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening task queue: %v\n", err)
		os.Exit(1)
	}
	defer queueStore.Close()
	processor := &queue.Processor{DB: database, Blob: blob, Queue: queueStore}
	worker := queue.NewWorker(queueStore, processor)
	worker.Start()
	defer worker.Stop()

	engine := &commitengine.Engine{
		DB:    database,
		Store: store,
		Blob:  blob,
		Auth:  resolver,
		Config: commitengine.Config{
			DefaultLFSThresholdBytes: cfg.LFSThresholdBytes,
			DefaultQuotaBytes:        cfg.QuotaPtr(),
			BaseURL:                  cfg.BaseURL,
			AutoGC:                   cfg.LFSAutoGC,
		},
		GC: processor,
	}

	restHandler := &api.Handler{DB: database, Store: store, Blob: blob, Auth: resolver, Engine: engine}
	gitHandler := &gitproto.Handler{DB: database, Store: store, Blob: blob, Auth: resolver, Agent: cfg.GitAgentString}
	lfsHandler := &lfsapi.Handler{DB: database, Blob: blob, Auth: resolver}

	router := mux.NewRouter()
	restHandler.Register(router)
	gitHandler.Register(router)
	lfsHandler.Register(router)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})

	var handler http.Handler = router
	handler = handlers.CompressHandler(handler)
	handler = handlers.LoggingHandler(os.Stderr, handler)

	log.Printf("kohakuhub listening on %s (base url %s)\n", cfg.ListenAddr, cfg.BaseURL)
	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		fmt.Fprintf(os.Stderr, "error starting server: %v\n", err)
		os.Exit(1)
	}
}
