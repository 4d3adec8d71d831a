package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/config"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/logging"
)

const usage = `Usage:
  wemobridge [run]
  wemobridge list
  wemobridge set-on <udn>
  wemobridge set-off <udn>
  wemobridge set-level <udn> <0-100>
  wemobridge version
`

// Subcommand names.
const (
	cmdRun      = "run"
	cmdList     = "list"
	cmdSetOn    = "set-on"
	cmdSetOff   = "set-off"
	cmdSetLevel = "set-level"
	cmdVersion  = "version"
)

var errUsage = errors.New("invalid arguments")

type command struct {
	name    string
	udn     string
	percent int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: cmdRun}, nil
	}

	cmd := command{name: args[0]}
	rest := args[1:]

	switch cmd.name {
	case cmdRun, cmdList, cmdVersion:
		if len(rest) != 0 {
			return command{}, fmt.Errorf("%w: %s takes no arguments", errUsage, cmd.name)
		}
	case cmdSetOn, cmdSetOff:
		if len(rest) != 1 || rest[0] == "" {
			return command{}, fmt.Errorf("%w: %s needs a udn", errUsage, cmd.name)
		}
		cmd.udn = rest[0]
	case cmdSetLevel:
		if len(rest) != 2 || rest[0] == "" {
			return command{}, fmt.Errorf("%w: set-level needs a udn and a percentage", errUsage)
		}
		percent, err := strconv.Atoi(rest[1])
		if err != nil || percent < 0 || percent > 100 {
			return command{}, fmt.Errorf("%w: level %q must be 0-100", errUsage, rest[1])
		}
		cmd.udn = rest[0]
		cmd.percent = percent
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
	return cmd, nil
}

func execute(ctx context.Context, cmd command) error {
	switch cmd.name {
	case cmdRun:
		return run(ctx)
	case cmdVersion:
		fmt.Fprintf(os.Stdout, "wemobridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := loadCLIConfig(getConfigPath())
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)

	client, err := newEngineClient(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // One-shot command

	adapter, err := connectEngine(ctx, cfg, client, log)
	if err != nil {
		return err
	}

	if cmd.name == cmdList {
		return list(ctx, cfg, adapter, log, os.Stdout)
	}
	return set(ctx, adapter, cmd)
}

// loadCLIConfig loads path, falling back to the built-in defaults when the
// file does not exist so one-shot commands work on a bare install.
func loadCLIConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// list prints the discovered devices with the handles already assigned to
// them. It never assigns new handles.
func list(ctx context.Context, cfg *config.Config, adapter engine.Adapter, log *logging.Logger, out io.Writer) error {
	devices := adapter.Discover(ctx)

	db, registry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // One-shot command

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tUDN\tNAME\tONLINE\tON\tLEVEL")
	for _, d := range devices {
		handle := "-"
		id, ok, err := registry.Lookup(ctx, d.UDN)
		if err != nil {
			return fmt.Errorf("looking up %s: %w", d.UDN, err)
		}
		if ok {
			handle = strconv.Itoa(int(id))
		}

		level := "-"
		if d.SupportsLevel {
			level = strconv.Itoa(d.LevelPercent) + "%"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", handle, d.UDN, d.FriendlyName, d.IsOnline, d.OnOff, level)
	}
	return w.Flush()
}

func set(ctx context.Context, adapter engine.Adapter, cmd command) error {
	var ok bool
	switch cmd.name {
	case cmdSetOn:
		ok = adapter.SetOnOff(ctx, cmd.udn, true)
	case cmdSetOff:
		ok = adapter.SetOnOff(ctx, cmd.udn, false)
	case cmdSetLevel:
		ok = adapter.SetLevelPercent(ctx, cmd.udn, cmd.percent)
	}
	if !ok {
		return fmt.Errorf("engine did not accept %s for %s", cmd.name, cmd.udn)
	}
	return nil
}
