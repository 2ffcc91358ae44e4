package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"provisiond/internal/provision"
	"provisiond/pkg/types"
)

// installTargets resolves the install argument. "all" selects every kind that
// is not yet installed, in dependency order.
func installTargets(arg string, snap types.EnvironmentSnapshot) ([]types.DependencyKind, error) {
	if arg == "all" {
		var out []types.DependencyKind
		for _, k := range types.Kinds {
			if snap.State(k) != types.StateInstalled {
				out = append(out, k)
			}
		}
		return out, nil
	}
	k, err := types.ParseKind(arg)
	if err != nil {
		return nil, err
	}
	return []types.DependencyKind{k}, nil
}

func newInstallCmd(a *app) *cobra.Command {
	var restart, asJSON bool
	cmd := &cobra.Command{
		Use:       "install <interpreter|package|model|all>",
		Short:     "Install a dependency, streaming progress until it finishes",
		Long:      "Install a dependency. Interrupting the command cancels the install and cleans up its temporary files.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"interpreter", "package", "model", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := build(context.Background(), a.cfg, a.log)
			defer c.close(shutdownTimeout)
			ctx := cmd.Context()

			snap := c.orch.CheckAll(ctx)
			kinds, err := installTargets(args[0], snap)
			if err != nil {
				return err
			}
			if len(kinds) == 0 {
				fmt.Fprintln(a.out, "everything is already installed")
				return nil
			}
			for _, k := range kinds {
				if k.RequiresInterpreter() {
					// the interpreter may have just been installed
					if snap := c.orch.CheckAll(ctx); snap.State(k) == types.StateInstalled {
						continue
					}
				}
				last, err := runInstall(ctx, c.orch, k, provision.Options{Restart: restart}, a.out, asJSON)
				if err != nil {
					return err
				}
				if last.Outcome != types.OutcomeInstalled {
					return installFailure(last)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&restart, "restart", false, "Cancel an install already running for the dependency first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print progress as NDJSON events")
	return cmd
}

// installer is the part of the orchestrator runInstall drives.
type installer interface {
	Install(ctx context.Context, kind types.DependencyKind, opts provision.Options) (<-chan types.ProgressEvent, error)
	Cancel(kind types.DependencyKind) error
}

// runInstall streams one install to w and returns its terminal event. When
// ctx is cancelled the install is cancelled and the stream drained so the
// cleanup finishes before returning.
func runInstall(ctx context.Context, o installer, kind types.DependencyKind, opts provision.Options, w io.Writer, asJSON bool) (types.ProgressEvent, error) {
	ch, err := o.Install(ctx, kind, opts)
	if err != nil {
		return types.ProgressEvent{}, err
	}
	enc := json.NewEncoder(w)
	var last types.ProgressEvent
	lastPrinted := -1
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return last, nil
			}
			last = ev
			if asJSON {
				if err := enc.Encode(ev); err != nil {
					return last, err
				}
				continue
			}
			if ev.Progress != lastPrinted || ev.Terminal() {
				printProgress(w, ev)
				lastPrinted = ev.Progress
			}
		case <-done:
			done = nil
			if err := o.Cancel(kind); err != nil {
				// already settled; the terminal event is on its way
				continue
			}
			if !asJSON {
				fmt.Fprintf(w, "%s: cancelling...\n", kind)
			}
		}
	}
}

func printProgress(w io.Writer, ev types.ProgressEvent) {
	if ev.Terminal() {
		fmt.Fprintf(w, "%s: %s\n", ev.Kind, ev.Outcome)
		return
	}
	phase := ev.Phase
	if phase == "" {
		phase = "starting"
	}
	if ev.TotalBytes > 0 {
		fmt.Fprintf(w, "%s: %3d%% %s (%d/%d bytes)\n", ev.Kind, ev.Progress, phase, ev.Bytes, ev.TotalBytes)
		return
	}
	fmt.Fprintf(w, "%s: %3d%% %s\n", ev.Kind, ev.Progress, phase)
}

func installFailure(ev types.ProgressEvent) error {
	if ev.Outcome == types.OutcomeCancelled {
		return fmt.Errorf("%s install cancelled", ev.Kind)
	}
	msg := fmt.Sprintf("%s install failed (%s): %s", ev.Kind, ev.Class, ev.Reason)
	if ev.Remediation != "" {
		msg += "\n" + ev.Remediation
	}
	if ev.Retryable {
		msg += "\nRetrying may succeed."
	}
	return errors.New(msg)
}

func newUninstallCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:       "uninstall <package|model>",
		Short:     "Remove the package or the managed model files",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"package", "model"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseKind(args[0])
			if err != nil {
				return err
			}
			c := build(context.Background(), a.cfg, a.log)
			defer c.close(shutdownTimeout)
			c.orch.CheckAll(cmd.Context())
			snap, err := c.orch.Uninstall(cmd.Context(), kind)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, snap)
			}
			return printSnapshot(a.out, snap, nil)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the resulting snapshot as JSON")
	return cmd
}
