// Command logsluice moves event streams from an input connector to an
// output connector: records are preprocessed, run through the processor
// chain, buffered in a bounded backlog and delivered in batches, with
// failed records routed to a separate error output. Pipeline replicas run
// under a supervisor that restarts them within a configured budget.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/logging"
	"github.com/logsluice/logsluice/metrics"
	"github.com/logsluice/logsluice/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logsluice:", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logsluice: logger:", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(reg)

	clients, err := buildClients(ctx, cfg)
	if err != nil {
		return err
	}
	defer clients.close(log)

	var ops *http.Server
	if cfg.Ops.Enabled {
		ops = newOpsServer(cfg.Ops.Addr, reg)
		go func() {
			log.Info("ops listener up", zap.String("addr", cfg.Ops.Addr))
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops listener failed", zap.Error(err))
			}
		}()
	}

	log.Info("logsluice starting",
		zap.Int("pipelines", cfg.PipelineCount),
		zap.String("input", cfg.Input.Type),
		zap.String("output", cfg.Output.Type),
		zap.String("error_output", cfg.ErrorOutput.Type))

	sup := pipeline.NewSupervisor(cfg, clients.factory(cfg, log, met), pipeline.Options{
		Logger:  log,
		Metrics: met,
	})
	runErr := sup.Run(ctx)

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Warn("ops listener shutdown", zap.Error(err))
		}
	}

	if runErr != nil {
		return runErr
	}
	log.Info("logsluice stopped")
	return nil
}

func newOpsServer(addr string, reg *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return &http.Server{Addr: addr, Handler: r}
}
