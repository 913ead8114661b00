// Package config is the hub's start-up configuration, flag/environment
// driven with no mid-flight reload, matching the flat package-level flag
// variables of the teacher's cmd/gitd/main.go.
package config

import (
	"flag"
)

// Config holds every recognized configuration key of section 6 plus the
// ambient pieces cmd/kohakuhub needs to wire the process together.
type Config struct {
	ListenAddr string

	BaseURL string

	DBDriver string
	DBDSN    string

	BlobEndpoint       string
	BlobPublicEndpoint string
	BlobBucket         string
	BlobAccessKey      string
	BlobSecretKey      string
	BlobUsePathStyle   bool

	VersionedStoreEndpoint    string
	VersionedStoreCredentials string

	LFSThresholdBytes int64
	LFSKeepVersions   int
	LFSAutoGC         bool

	SessionSecret    string
	DefaultQuotaBytes int64 // 0 means unlimited

	GitAgentString string
}

// Parse populates a Config from command-line flags, mirroring
// cmd/gitd/main.go's init()-time flag.StringVar/BoolVar registration
// rather than a struct-tag-driven flag library, since the teacher never
// reaches for one.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kohakuhub", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.ListenAddr, "addr", ":8080", "HTTP server address")
	fs.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "externally reachable base URL, used to build commitUrl and repo urls")

	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite3", "relational store driver")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "./data/kohakuhub.db", "relational store DSN")

	fs.StringVar(&cfg.BlobEndpoint, "blob-endpoint", "", "S3-compatible endpoint for internal traffic")
	fs.StringVar(&cfg.BlobPublicEndpoint, "blob-public-endpoint", "", "S3-compatible endpoint used when presigning URLs handed to clients (defaults to blob-endpoint)")
	fs.StringVar(&cfg.BlobBucket, "blob-bucket", "", "S3 bucket name")
	fs.StringVar(&cfg.BlobAccessKey, "blob-access-key", "", "S3 access key")
	fs.StringVar(&cfg.BlobSecretKey, "blob-secret-key", "", "S3 secret key")
	fs.BoolVar(&cfg.BlobUsePathStyle, "blob-use-path-style", false, "use path-style S3 URLs")

	fs.StringVar(&cfg.VersionedStoreEndpoint, "versioned-store-endpoint", "", "versioned (LakeFS-like) store endpoint; not read: the in-process store is always used")
	fs.StringVar(&cfg.VersionedStoreCredentials, "versioned-store-credentials", "", "versioned store credentials")

	fs.Int64Var(&cfg.LFSThresholdBytes, "lfs-threshold-bytes", 10_000_000, "server-default LFS upload-mode threshold")
	fs.IntVar(&cfg.LFSKeepVersions, "lfs-keep-versions", 5, "server-default number of LFS versions kept per path before GC")
	fs.BoolVar(&cfg.LFSAutoGC, "lfs-auto-gc", true, "enqueue a GC pass after every commit touching LFS paths")

	fs.StringVar(&cfg.SessionSecret, "session-secret", "", "session cookie signing secret")
	fs.Int64Var(&cfg.DefaultQuotaBytes, "default-quota-bytes", 0, "server-default repository quota in bytes; 0 means unlimited")

	fs.StringVar(&cfg.GitAgentString, "git-agent", "kohakuhub/1.0", "agent= capability value advertised by the Git Smart HTTP server")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.BlobPublicEndpoint == "" {
		cfg.BlobPublicEndpoint = cfg.BlobEndpoint
	}
	return cfg, nil
}

// QuotaPtr returns DefaultQuotaBytes as the nullable pointer form the engine
// and db layers expect, nil meaning unlimited.
func (c *Config) QuotaPtr() *int64 {
	if c.DefaultQuotaBytes <= 0 {
		return nil
	}
	return &c.DefaultQuotaBytes
}
