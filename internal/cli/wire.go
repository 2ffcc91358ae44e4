package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/cleanup"
	"provisiond/internal/common/fsutil"
	"provisiond/internal/config"
	"provisiond/internal/download"
	"provisiond/internal/probe"
	"provisiond/internal/procrun"
	"provisiond/internal/provision"
	"provisiond/pkg/types"
)

// components is everything the commands need, built once from the config.
type components struct {
	orch   *provision.Orchestrator
	prober *probe.Prober
	log    zerolog.Logger
}

// modelLocations lists where the model probe looks: the managed install dir,
// any configured extras, then the well-known defaults.
func modelLocations(cfg config.Config) []string {
	locs := probe.DefaultModelLocations(cfg.Model.InstallDir)
	for _, l := range cfg.Model.Locations {
		if exp, err := fsutil.ExpandHome(l); err == nil {
			l = exp
		}
		locs = append(locs, l)
	}
	return locs
}

func newProber(cfg config.Config, runner *procrun.Runner, log zerolog.Logger) *probe.Prober {
	return probe.New(probe.Config{
		Runner:         runner,
		Interpreter:    procrun.Spec{Path: cfg.Interpreter.Command, Args: cfg.Interpreter.VersionArgs},
		PackageImport:  cfg.Package.ImportName,
		ModelExtension: cfg.Model.Extension,
		ModelLocations: modelLocations(cfg),
		Timeout:        cfg.ProbeTimeout(),
		RetryDelay:     cfg.ProbeRetryDelay(),
		Logger:         log.With().Str("component", "probe").Logger(),
	})
}

func installers(cfg config.Config) map[types.DependencyKind]provision.Installer {
	cmd := cfg.Interpreter.InstallArgs
	if len(cmd) == 0 {
		cmd = provision.DefaultInterpreterCommand()
	}
	return map[types.DependencyKind]provision.Installer{
		types.KindInterpreter: provision.InterpreterInstaller{
			URL:     cfg.Interpreter.InstallerURL,
			SHA256:  cfg.Interpreter.InstallerSHA256,
			Command: cmd,
		},
		types.KindPackage: provision.PackageInstaller{
			Python:    cfg.Interpreter.Command,
			Name:      cfg.Package.Name,
			IndexURL:  cfg.Package.IndexURL,
			ExtraArgs: cfg.Package.ExtraArgs,
		},
		types.KindModel: provision.ModelInstaller{
			URL:        cfg.Model.URL,
			SHA256:     cfg.Model.SHA256,
			Extension:  cfg.Model.Extension,
			InstallDir: cfg.Model.InstallDir,
		},
	}
}

// build is the composition root: it wires the runner, prober, downloader,
// cleanup manager and installers into one orchestrator.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger) *components {
	runner := procrun.New(log.With().Str("component", "procrun").Logger())
	prober := newProber(cfg, runner, log)
	orch := provision.New(provision.Config{
		Prober:     prober,
		Installers: installers(cfg),
		Runner:     runner,
		Downloader: download.New(download.Config{
			// no overall timeout: model bundles take minutes
			Client: &http.Client{Transport: http.DefaultTransport},
			Logger: log.With().Str("component", "download").Logger(),
		}),
		Cleanup: cleanup.New(cleanup.Config{
			Attempts: cfg.Cleanup.Attempts,
			Backoff:  cfg.CleanupBackoff(),
			Logger:   log.With().Str("component", "cleanup").Logger(),
		}),
		TempDir: cfg.TempDir,
		ExpectedDurations: map[types.DependencyKind]time.Duration{
			types.KindInterpreter: time.Duration(cfg.Interpreter.ExpectedDurationSec) * time.Second,
			types.KindPackage:     time.Duration(cfg.Package.ExpectedDurationSec) * time.Second,
			types.KindModel:       time.Duration(cfg.Model.ExpectedDurationSec) * time.Second,
		},
		ProgressInterval: cfg.ProgressInterval(),
		DownloadAttempts: cfg.DownloadAttempts,
		IgnoreCheck:      cfg.IgnoreCheck,
		Publisher:        provision.LogPublisher{Logger: log.With().Str("component", "events").Logger()},
		Logger:           log.With().Str("component", "provision").Logger(),
		BaseContext:      ctx,
	})
	return &components{orch: orch, prober: prober, log: log}
}

// close shuts the orchestrator down, cancelling any install still running.
func (c *components) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.orch.Close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("orchestrator close")
	}
}
