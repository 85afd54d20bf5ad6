// Command obsoutputctl drives a running obsoutputd over the control protocol.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tiroq/obsoutput/internal/config"
	"github.com/tiroq/obsoutput/internal/control"
	"github.com/tiroq/obsoutput/internal/output"
)

const usage = `usage: obsoutputctl [flags] <command> [args]

commands:
  kinds [locale]     list registered output kinds
  list               list outputs and their state
  status <output>    show one output
  start <output>
  stop <output>
  pause <output>
  unpause <output>

flags:
`

var errUsage = errors.New("usage")

func main() {
	fs := flag.NewFlagSet("obsoutputctl", flag.ContinueOnError)
	addr := fs.String("addr", envOr(config.EnvControlAddr, config.DefaultControlAddr), "control server address")
	password := fs.String("password", os.Getenv(config.EnvPassword), "control password")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	asJSON := fs.Bool("json", false, "print JSON instead of tables")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := control.NewClient("ws://"+*addr+"/ws", *password)
	c.SetTimeout(*timeout)
	err := run(ctx, c, fs.Args(), os.Stdout, *asJSON)
	c.Disconnect()
	switch {
	case errors.Is(err, errUsage):
		fs.Usage()
		os.Exit(2)
	case err != nil:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, c *control.Client, args []string, w io.Writer, asJSON bool) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	lifecycle := map[string]func(context.Context, string) error{
		"start":   c.StartOutput,
		"stop":    c.StopOutput,
		"pause":   c.PauseOutput,
		"unpause": c.UnpauseOutput,
	}
	switch cmd {
	case "kinds", "list":
		if len(rest) > 1 || (cmd == "list" && len(rest) != 0) {
			return errUsage
		}
	case "status", "start", "stop", "pause", "unpause":
		if len(rest) != 1 {
			return errUsage
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	switch cmd {
	case "kinds":
		locale := ""
		if len(rest) == 1 {
			locale = rest[0]
		}
		kinds, err := c.ListKinds(ctx, locale)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(w, kinds)
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tMODULE\tCAPABILITIES")
		for _, k := range kinds {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Module, dash(strings.Join(k.Caps, ",")))
		}
		return tw.Flush()

	case "list":
		outs, err := c.ListOutputs(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(w, outs)
		}
		return printOutputs(w, outs)

	case "status":
		snap, err := c.GetOutputStatus(ctx, rest[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(w, snap)
		}
		return printOutputs(w, []output.Snapshot{*snap})

	default:
		if err := lifecycle[cmd](ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s ok\n", rest[0], cmd)
		return nil
	}
}

func printOutputs(w io.Writer, outs []output.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tREQUIRES\tENCODERS")
	for _, o := range outs {
		var encs []string
		for _, typ := range []string{"video", "audio"} {
			if name, ok := o.Encoders[typ]; ok {
				encs = append(encs, typ+"="+name)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Name, o.Kind, o.State, o.Required, dash(strings.Join(encs, " ")))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
