package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltrace/internal/export"
	"github.com/getsentry/calltrace/internal/logutil"
	"github.com/getsentry/calltrace/internal/session"
)

type HostConfig struct {
	LogLevel      string        `env:"CALLTRACE_LOG_LEVEL" env-default:"info"`
	ProjectID     uint64        `env:"CALLTRACE_PROJECT_ID" env-default:"1"`
	UploadTimeout time.Duration `env:"CALLTRACE_UPLOAD_TIMEOUT" env-default:"10s"`
	UploadRetries int           `env:"CALLTRACE_UPLOAD_RETRIES" env-default:"2"`
}

func run(ctx context.Context, name string) (export.Document, error) {
	w, exists := workloads[name]
	if !exists {
		return export.Document{}, fmt.Errorf("unknown workload %q", name)
	}
	c := session.NewCoordinator(session.WithLogger(log.Logger))
	h := c.BeginScope()
	err := w(ctx, c)
	g, serr := c.EndScope(h)
	if err != nil {
		return export.Document{}, err
	}
	if serr != nil {
		return export.Document{}, serr
	}
	return export.ToDictAsync(g), nil
}

func usage() {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("./calltrace <%s> [upload url]\n", strings.Join(names, "|"))
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 || len(args) > 2 {
		usage()
		return
	}

	var config HostConfig
	if err := cleanenv.ReadEnv(&config); err != nil {
		log.Fatal().Err(err).Msg("error reading the config")
	}
	logutil.ConfigureLogger(logutil.ParseLevel(config.LogLevel))

	doc, err := run(context.Background(), args[0])
	if err != nil {
		log.Fatal().Err(err).Str("workload", args[0]).Msg("workload failed")
	}

	if len(args) == 1 {
		b, err := export.Marshal(doc)
		if err != nil {
			log.Fatal().Err(err).Msg("can't encode the call graph")
		}
		fmt.Println(string(b))
		return
	}

	u := newUploader(strings.TrimSuffix(args[1], "/"), config.ProjectID, config.UploadTimeout, config.UploadRetries)
	sessionID, err := u.upload(doc)
	if err != nil {
		log.Fatal().Err(err).Msg("can't upload the call graph")
	}
	log.Info().
		Str("session_id", sessionID).
		Int("nodes", len(doc.Nodes)).
		Int("edges", len(doc.Edges)).
		Msg("call graph uploaded")
}
