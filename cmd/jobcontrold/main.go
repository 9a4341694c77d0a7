// Command jobcontrold runs the job controller process: it wires up the
// metadata store, state backend, and metrics aggregator gateways,
// resumes every persisted job spec whose status is not terminal, and
// serves /metrics until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowdag/jobcontrol/config"
	"github.com/flowdag/jobcontrol/controller/launch"
	"github.com/flowdag/jobcontrol/jobmetrics"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
)

const shutdownGrace = 10 * time.Second

// daemonConfig is the full go-flags surface for jobcontrold: the
// ambient pipeline tunables plus the gateway endpoints
// each component needs to dial.
type daemonConfig struct {
	Pipeline config.Pipeline `group:"pipeline" namespace:"pipeline" env-namespace:"PIPELINE"`

	MetadataStorePath string   `long:"metadata-store" env:"METADATA_STORE" default:"jobcontrol.db" description:"Path to the sqlite metadata store"`
	StateBucket       string   `long:"state-bucket" env:"STATE_BUCKET" required:"true" description:"GCS bucket for checkpoint and compacted state"`
	ScratchDir        string   `long:"scratch-dir" env:"SCRATCH_DIR" default:"./jobcontrol-scratch" description:"Local rocksdb scratch directory for staged compaction bytes"`
	EtcdEndpoints     []string `long:"etcd-endpoint" env:"ETCD_ENDPOINTS" env-delim:"," description:"etcd endpoints backing cross-process config-update notification"`
	ConfigPrefix      string   `long:"config-prefix" env:"CONFIG_PREFIX" default:"/jobcontrol/config/" description:"etcd key prefix watched for job config updates"`
	MetricsAddr       string   `long:"metrics-addr" env:"METRICS_ADDR" default:":9090" description:"Address to serve /metrics on"`
	LogLevel          string   `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Logging level"`
}

func main() {
	var cfg daemonConfig
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse flags")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	config.Set(config.Config{Pipeline: cfg.Pipeline})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Checkpoint event spans double as OTel spans; install a real
	// provider so they export instead of hitting the global no-op.
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("failed to shut down tracer provider")
		}
	}()

	notifier := metadatastore.NewNotifier()
	store, err := metadatastore.Open(cfg.MetadataStorePath, notifier)
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata store")
	}
	defer store.Close()

	backend, err := statebackend.Open(ctx, cfg.StateBucket, cfg.ScratchDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open state backend")
	}
	defer backend.Close()

	metrics, err := jobmetrics.New()
	if err != nil {
		log.WithError(err).Fatal("failed to build metrics aggregator")
	}
	prometheus.MustRegister(metrics)

	var watcher *metadatastore.ConfigWatcher
	if len(cfg.EtcdEndpoints) > 0 {
		watcher, err = metadatastore.NewConfigWatcher(cfg.EtcdEndpoints, cfg.ConfigPrefix)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to etcd for config updates")
		}
		defer watcher.Close()
	}

	launcher := &launch.Launcher{Store: store, Backend: backend, Metrics: metrics, Watcher: watcher}
	launched, err := launcher.ResumeAll(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to resume persisted jobs")
	}
	log.WithField("jobs", launched).Info("resumed persisted jobs")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	log.Info("jobcontrold ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownGrace)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
