package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate/config"
	"github.com/gridpulse/gridgate/govern"
	"github.com/gridpulse/gridgate/monitoring"
	"github.com/gridpulse/gridgate/server"
	"github.com/gridpulse/gridgate/upstream"
	"github.com/gridpulse/gridgate/utils"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	var valkeyClient valkey.Client
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err = valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
	}

	var metrics *monitoring.Metrics
	if cfg.MetricsEnabled {
		metrics = monitoring.New("gridgate")
	}

	sugar.Infow("Loaded config",
		"credentials", len(cfg.Credentials),
		"strategy", cfg.Strategy,
		"queue_interval", cfg.QueueInterval,
		"upstream", cfg.UpstreamBaseURL)

	runtime, err := govern.NewRuntime(cfg, valkeyClient, metrics, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create runtime", "error", err)
	}

	service := upstream.NewService(runtime, upstream.NewClient(cfg.UpstreamBaseURL, sugar))

	router := mux.NewRouter()
	server.New(service, runtime, metrics, sugar).RegisterRoutes(router)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(router),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		runtime.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
