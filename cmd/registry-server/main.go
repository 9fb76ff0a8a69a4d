// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The registry-server binary serves the artifact registry API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlartifacts/registry-engine/pkg/accessor"
	"github.com/mlartifacts/registry-engine/pkg/api"
	"github.com/mlartifacts/registry-engine/pkg/audit"
	"github.com/mlartifacts/registry-engine/pkg/blob"
	"github.com/mlartifacts/registry-engine/pkg/cache"
	"github.com/mlartifacts/registry-engine/pkg/fetch"
	"github.com/mlartifacts/registry-engine/pkg/ingest"
	"github.com/mlartifacts/registry-engine/pkg/rating"
	"github.com/mlartifacts/registry-engine/pkg/store"
)

func main() {
	a := kingpin.New("registry-server", "Content-addressed artifact registry for ML assets.")

	var (
		listenAddress = a.Flag("web.listen-address", "Address to serve the API, health checks, and metrics on.").
				Default(":8080").Envar("REGISTRY_LISTEN_ADDRESS").String()
		logLevel = a.Flag("log.level", "Log verbosity: debug, info, warn, error.").
				Default("info").Envar("REGISTRY_LOG_LEVEL").Enum("debug", "info", "warn", "error")

		dbURL = a.Flag("db.url", "Metadata store connection string, e.g. sqlite:///var/lib/registry/catalog.db.").
			Default("sqlite://registry.db").Envar("DB_URL").String()
		pageSize = a.Flag("db.page-size", "Rows per query page.").
				Default("25").Envar("DB_PAGE_SIZE").Int()
		hardCap = a.Flag("db.hard-cap", "Maximum rows a single query page may carry before it is rejected.").
			Default("100").Envar("DB_HARD_CAP").Int()

		objURL = a.Flag("object-store.url", "Custom S3-compatible endpoint. Empty uses AWS default resolution.").
			Envar("OBJECT_STORE_URL").String()
		objAccessKey = a.Flag("object-store.access-key", "Object store access key. Empty uses the ambient credential chain.").
				Envar("OBJECT_STORE_ACCESS_KEY").String()
		objSecretKey = a.Flag("object-store.secret-key", "Object store secret key.").
				Envar("OBJECT_STORE_SECRET_KEY").String()
		objBucket = a.Flag("object-store.bucket", "Bucket holding artifact archives.").
				Required().Envar("OBJECT_STORE_BUCKET").String()
		objPrefix = a.Flag("object-store.prefix", "Key namespace for artifact archives.").
				Default("artifacts").Envar("OBJECT_STORE_PREFIX").String()
		objRegion = a.Flag("object-store.region", "Object store region.").
				Default("us-east-1").Envar("OBJECT_STORE_REGION").String()

		ingestThreshold = a.Flag("ingest.threshold", "Minimum net score an artifact needs for admission, in [0,1].").
				Default("0.5").Envar("INGEST_THRESHOLD").Float64()
		raterWorkers = a.Flag("rater.workers", "Parallel metric computations per rating run.").
				Default("4").Envar("RATER_WORKERS").Int()
		ingestAsync = a.Flag("ingest.asynchronous", "Defer registrations to the background worker pool.").
				Default("false").Envar("INGEST_ASYNCHRONOUS").Bool()
		queueCapacity = a.Flag("ingest.queue-capacity", "Deferred ingest queue capacity.").
				Default("64").Envar("DEFERRED_QUEUE_CAPACITY").Int()
		ingestWorkers = a.Flag("ingest.workers", "Deferred ingest worker pool size.").
				Default("4").Envar("INGEST_WORKERS").Int()
		scratchDir = a.Flag("ingest.scratch-dir", "Parent directory for per-ingest scratch trees. Empty uses the system temp dir.").
				Envar("INGEST_SCRATCH_DIR").String()

		cacheHost = a.Flag("cache.host", "Response cache host. Empty disables the cache.").
				Envar("CACHE_HOST").String()
		cachePort = a.Flag("cache.port", "Response cache port.").
				Default("6379").Envar("CACHE_PORT").Int()
		cachePassword = a.Flag("cache.password", "Response cache password.").
				Envar("CACHE_PASSWORD").String()
		cacheTTL = a.Flag("cache.ttl-seconds", "Lifetime of cached responses.").
				Default("600").Envar("CACHE_TTL_SECONDS").Int()

		auditEnabled = a.Flag("audit.enabled", "Record artifact operations in the audit log.").
				Default("true").Envar("AUDIT_ENABLED").Bool()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if *ingestThreshold < 0 || *ingestThreshold > 1 {
		level.Error(logger).Log("msg", "--ingest.threshold must be in [0,1]", "value", *ingestThreshold)
		os.Exit(1)
	}

	catalog, err := store.Open(log.With(logger, "component", "store"), metrics, store.Options{
		DBURL:    *dbURL,
		PageSize: *pageSize,
		HardCap:  *hardCap,
	})
	if err != nil {
		level.Error(logger).Log("msg", "opening metadata store failed", "err", err)
		os.Exit(1)
	}
	defer catalog.Close()

	blobOpts := blob.Options{
		URL:       *objURL,
		AccessKey: *objAccessKey,
		SecretKey: *objSecretKey,
		Bucket:    *objBucket,
		Prefix:    *objPrefix,
		Region:    *objRegion,
	}
	if err := validator.New().Struct(blobOpts); err != nil {
		level.Error(logger).Log("msg", "invalid object store configuration", "err", err)
		os.Exit(1)
	}
	blobs, err := blob.New(context.Background(), log.With(logger, "component", "blob"), metrics, blobOpts)
	if err != nil {
		level.Error(logger).Log("msg", "connecting to object store failed", "err", err)
		os.Exit(1)
	}

	var respCache *cache.Cache
	if *cacheHost != "" {
		cacheURL := fmt.Sprintf("redis://:%s@%s:%d", *cachePassword, *cacheHost, *cachePort)
		if *cachePassword == "" {
			cacheURL = fmt.Sprintf("redis://%s:%d", *cacheHost, *cachePort)
		}
		respCache, err = cache.New(log.With(logger, "component", "cache"), metrics, cache.Options{
			URL: cacheURL,
			TTL: time.Duration(*cacheTTL) * time.Second,
		})
		if err != nil {
			level.Error(logger).Log("msg", "configuring response cache failed", "err", err)
			os.Exit(1)
		}
		defer respCache.Close()
	}

	var auditLog accessor.AuditLog
	if *auditEnabled {
		auditLog = audit.NewLog(log.With(logger, "component", "audit"), metrics, catalog.DB())
	}

	downloader := &fetch.Mux{
		Hub:  fetch.NewHubDownloader(log.With(logger, "component", "fetch")),
		Code: fetch.NewCodeHostDownloader(),
	}
	rater := rating.NewAggregator(log.With(logger, "component", "rating"), metrics, rating.DefaultMetrics(), *raterWorkers)

	var inv accessor.Invalidator
	if respCache != nil {
		inv = respCache
	}
	acc := accessor.New(
		log.With(logger, "component", "accessor"),
		metrics, catalog, blobs, downloader, rater, auditLog, inv,
		accessor.Options{
			IngestThreshold: *ingestThreshold,
			ScratchDir:      *scratchDir,
		},
	)

	var manager *ingest.Manager
	if *ingestAsync {
		manager = ingest.NewManager(log.With(logger, "component", "ingest"), metrics, acc, *queueCapacity, *ingestWorkers)
	}

	var submitter api.Submitter
	if manager != nil {
		submitter = manager
	}
	handler := api.New(log.With(logger, "component", "api"), metrics, acc, submitter, respCache, *ingestAsync)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "registry-server is Healthy.")
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := catalog.DB().Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "metadata store unreachable.")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "registry-server is Ready.")
	})
	mux.Handle("/", handler.Routes())

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	if manager != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return manager.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		server := &http.Server{Addr: *listenAddress, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting web server", "listen", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "running registry-server failed", "err", err)
		os.Exit(1)
	}
}
