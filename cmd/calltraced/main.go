package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"gocloud.dev/blob"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/calltrace/internal/httputil"
	"github.com/getsentry/calltrace/internal/logutil"
)

type environment struct {
	config ServiceConfig

	graphsWriter KafkaWriter
	storage      *blob.Bucket
}

var release string

func loadConfig() (ServiceConfig, error) {
	envName := os.Getenv("SENTRY_ENVIRONMENT")
	if envName == "" {
		envName = "development"
	}
	config, exists := serviceConfigs[envName]
	if !exists {
		return ServiceConfig{}, fmt.Errorf("service config for environment %v does not exist", envName)
	}
	config.Environment = envName
	if err := cleanenv.ReadEnv(&config); err != nil {
		return ServiceConfig{}, err
	}
	return config, nil
}

func newEnvironment(config ServiceConfig) (*environment, error) {
	e := environment{config: config}
	var err error
	e.storage, err = blob.OpenBucket(context.Background(), e.config.GraphsBucketURL)
	if err != nil {
		return nil, err
	}
	e.graphsWriter = &kafka.Writer{
		Addr:         kafka.TCP(e.config.GraphsKafkaBrokers...),
		Async:        true,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 500 * time.Millisecond,
		Compression:  kafka.Lz4,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
	}
	return &e, nil
}

// shutdown flushes pending Kafka messages before the bucket goes away.
func (e *environment) shutdown() {
	for _, c := range []interface{ Close() error }{e.graphsWriter, e.storage} {
		if err := c.Close(); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error closing the environment")
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/projects/:project_id/graphs", e.postGraph},
		{http.MethodGet, "/projects/:project_id/graphs/:session_id", e.getGraph},
		{http.MethodGet, "/projects/:project_id/graphs/:session_id/stats", e.getGraphStats},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.AnonymizeTransactionName(route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func initSentry(config ServiceConfig) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:                   config.SentryDSN,
		EnableTracing:         true,
		Environment:           config.Environment,
		Release:               release,
		TracesSampleRate:      1.0,
		BeforeSendTransaction: httputil.SetHTTPStatusCodeTag,
	})
}

// serve blocks until ctx is cancelled, then drains open connections.
func (e *environment) serve(ctx context.Context, handler http.Handler) error {
	server := http.Server{
		Addr:              ":" + e.config.Port,
		Handler:           sentryhttp.New(sentryhttp.Options{}).Handle(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", e.config.Port).
			Str("environment", e.config.Environment).
			Msg("serving call graphs")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading the service config")
	}
	logutil.ConfigureLogger(logutil.ParseLevel(config.LogLevel))

	if err := initSentry(config); err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env, err := newEnvironment(config)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := env.serve(ctx, router); err != nil {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	// the rest of the environment is shut down once HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	accessible, err := e.storage.IsAccessible(ctx)
	if err != nil || !accessible {
		log.Warn().Err(err).Msg("graphs bucket is not accessible")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
