package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"provisiond/internal/probe"
	"provisiond/pkg/types"
)

func newCheckCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the interpreter, the package and the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := build(context.Background(), a.cfg, a.log)
			defer c.close(shutdownTimeout)
			snap := c.orch.CheckAll(cmd.Context())
			if asJSON {
				return writeJSON(a.out, snap)
			}
			details := map[types.DependencyKind][]string{}
			if snap.Interpreter == types.StateInstalled {
				details[types.KindInterpreter] = c.prober.Locate(cmd.Context(), types.KindInterpreter).Detail
			}
			if snap.Model == types.StateInstalled {
				details[types.KindModel] = probe.FindModels(modelLocations(a.cfg), a.cfg.Model.Extension)
			}
			return printSnapshot(a.out, snap, details)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, snap types.EnvironmentSnapshot, details map[types.DependencyKind][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPENDENCY\tSTATE\tDETAIL")
	for _, k := range types.Kinds {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, snap.State(k), strings.Join(details[k], ", "))
	}
	ready := "no"
	if snap.Ready {
		ready = "yes"
	}
	if snap.CheckIgnored {
		ready += " (check ignored)"
	}
	fmt.Fprintf(tw, "ready\t%s\t\n", ready)
	return tw.Flush()
}
