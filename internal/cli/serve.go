package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"provisiond/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// serve runs the HTTP API until ctx is cancelled, then drains connections
// and cancels any install still in flight.
func (a *app) serve(ctx context.Context) error {
	c := build(context.Background(), a.cfg, a.log)
	defer c.close(shutdownTimeout)

	if res, err := c.orch.SweepStale(ctx, a.cfg.SweepOlderThan()); err != nil {
		a.log.Warn().Err(err).Msg("sweep stale sessions")
	} else if len(res.Removed) > 0 {
		a.log.Info().Int("removed", len(res.Removed)).Msg("swept stale sessions")
	}
	go func() {
		snap := c.orch.CheckAll(ctx)
		a.log.Info().Str("interpreter", string(snap.Interpreter)).Str("package", string(snap.Package)).
			Str("model", string(snap.Model)).Bool("ready", snap.Ready).Msg("initial check")
	}()

	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(a.cfg.CORS.Enabled, a.cfg.CORS.Origins, a.cfg.CORS.Methods, a.cfg.CORS.Headers)
	httpapi.SetSwaggerEnabled(a.cfg.SwaggerEnabled())

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           httpapi.NewMux(c.orch),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Str("version", a.version).Msg("provisiond listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
