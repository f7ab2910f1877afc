package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/config"
	"github.com/gc3pie/gc3core/internal/engine"
	"github.com/gc3pie/gc3core/internal/logger"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/session"
	"github.com/gc3pie/gc3core/internal/stage"
	"github.com/gc3pie/gc3core/internal/store"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
	"github.com/gc3pie/gc3core/internal/wiring"
)

// localResourceName is the fallback resource a session submits onto
// when no --config file is given: a ShellAdapter over the local host.
const localResourceName = "local"

func newLogger() logger.Logger {
	opts := []logger.Option{}
	if flagDebug {
		opts = append(opts, logger.WithDebug())
	}
	if flagQuiet {
		opts = append(opts, logger.WithQuiet())
	}
	return logger.NewLogger(opts...)
}

// buildEngine constructs an Engine wired to the session's configured
// Store, for both Create (new session) and Resume (existing session)
// call sites. When flagConfigFile names a readable configuration file
// (spec.md §6), every enabled `resource/<name>` section in it is built
// via wiring.BuildResources and added instead of the built-in default;
// otherwise the Engine falls back to the one local ShellAdapter this
// thin CLI has always offered operators with no configuration at all.
func buildEngine(log logger.Logger, st store.Store) *engine.Engine {
	eng := engine.New(engine.Config{Logger: log, Store: st, MaxInFlight: 0})

	resources, err := configuredResources(log)
	if err != nil {
		log.Errorf("loading %s: %v (falling back to the local resource)", flagConfigFile, err)
		resources = nil
	}
	if len(resources) == 0 {
		adapter := shell.New(shell.Config{
			WorkDirRoot:     os.TempDir(),
			LocalOutputRoot: os.TempDir(),
		}, transport.NewLocal())
		resources = []*resource.Resource{resource.NewResource(localResourceName, "shellcmd", resource.Caps{}, nil, adapter)}
	}
	for _, r := range resources {
		eng.AddResource(r)
	}
	return eng
}

// configuredResources loads flagConfigFile (if set) and builds its
// resource sections. Returns (nil, nil) when no config file was given.
func configuredResources(log logger.Logger) ([]*resource.Resource, error) {
	if flagConfigFile == "" {
		return nil, nil
	}
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return nil, err
	}
	return wiring.BuildResources(context.Background(), cfg, wiring.Options{
		WorkDirRoot:     os.TempDir(),
		LocalOutputRoot: os.TempDir(),
		Stager:          stagerFromConfig(cfg),
	})
}

// stagerFromConfig builds the Stager every resource shares for s3://
// and minio:// IOMapping URLs (spec.md §4.5). A Stager is always
// returned, even with no staging/ section configured, since it also
// serves http(s):// URLs with no credentials required; only an
// s3://minio:// fetch against an unconfigured endpoint fails, and only
// then.
func stagerFromConfig(cfg *config.Config) *stage.Stager {
	return stage.New(stage.Config{
		CacheDir:    cfg.Staging.CacheDir,
		S3Endpoint:  cfg.Staging.S3Endpoint,
		S3AccessKey: cfg.Staging.S3AccessKey,
		S3SecretKey: cfg.Staging.S3SecretKey,
		S3UseSSL:    cfg.Staging.S3UseSSL,
	})
}

// openForMutation resumes an existing session directory with a fresh
// Engine, re-adding every top-level task loaded from the session's
// Store, so Kill/Redo/RunUntilDone can act on it (per session.Resume's
// documented precondition).
func openForMutation(ctx context.Context, dir string, log logger.Logger) (*session.Session, error) {
	ro, err := session.Open(dir)
	if err != nil {
		return nil, err
	}
	defer ro.Store.Close()

	ids, err := ro.TopLevelIDs()
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := ro.Store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}

	rawURL, err := session.StoreURL(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(rawURL)
	if err != nil {
		return nil, err
	}
	eng := buildEngine(log, st)
	for _, t := range tasks {
		eng.AddTask(t)
	}
	return session.Resume(dir, eng)
}
