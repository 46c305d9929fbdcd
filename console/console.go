// Package console implements the operator's interactive CLI: a
// c-bata/go-prompt loop offering a handful of inspection commands against a
// running Orchestrator (spec.md §6's inspector surface, exposed locally
// instead of over the wire). Modeled on dragonfly/server/console, but
// without its generic cmd.Source/cmd.Command framework — jani's command set
// is small and fixed, so each command is just a function.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/jani-run/jani/jani"
	"github.com/jani-run/jani/orchestrator"
)

const (
	defaultPromptPrefix = "> "
	maxHistoryEntries   = 128
)

// Console reads operator commands from an io.Reader (os.Stdin by default)
// and runs them against orch.
type Console struct {
	orch    *orchestrator.Orchestrator
	log     *slog.Logger
	reader  io.Reader
	history []string
}

// New returns a Console bound to orch, writing command output to log.
func New(orch *orchestrator.Orchestrator, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{orch: orch, log: log, reader: os.Stdin}
}

// WithReader overrides the input source, for tests.
func (c *Console) WithReader(r io.Reader) *Console {
	if r != nil {
		c.reader = r
	}
	return c
}

// Run consumes commands until ctx is cancelled or the reader hits EOF.
func (c *Console) Run(ctx context.Context) {
	if c.reader != os.Stdin {
		c.runScanner(ctx)
		return
	}
	c.runInteractive(ctx)
}

func (c *Console) runScanner(ctx context.Context) {
	scanner := bufio.NewScanner(c.reader)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				c.log.Error("console input error", "err", err)
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.execute(line)
	}
}

func (c *Console) runInteractive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := prompt.Input(defaultPromptPrefix, c.complete,
			prompt.OptionTitle("Jani Runtime Console"),
			prompt.OptionHistory(c.history),
			prompt.OptionPrefix(defaultPromptPrefix),
			prompt.OptionCompletionOnDown(),
			prompt.OptionMaxSuggestion(12),
		)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.execute(line)
	}
}

func (c *Console) execute(line string) {
	c.history = append(c.history, line)
	if len(c.history) > maxHistoryEntries {
		c.history = c.history[len(c.history)-maxHistoryEntries:]
	}

	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := commands[name]
	if !ok {
		c.log.Error("unknown command", "command", name)
		return
	}
	if err := cmd.run(c, args); err != nil {
		c.log.Error(name, "err", err)
	}
}

type command struct {
	usage string
	run   func(c *Console, args []string) error
}

var commands = map[string]command{
	"layers":   {usage: "layers", run: (*Console).cmdLayers},
	"workers":  {usage: "workers <layer_id>", run: (*Console).cmdWorkers},
	"cells":    {usage: "cells <layer_id>", run: (*Console).cmdCells},
	"spawn":    {usage: "spawn <layer_id> [timeout_seconds]", run: (*Console).cmdSpawn},
	"entities": {usage: "entities", run: (*Console).cmdEntities},
}

func (c *Console) cmdLayers(_ []string) error {
	for _, l := range c.orch.Layers() {
		c.log.Info("layer", "id", l.ID, "name", l.Name, "spatial", l.UseSpatial, "components", len(l.Components))
	}
	return nil
}

func (c *Console) cmdWorkers(args []string) error {
	layerID, err := parseLayerID(args)
	if err != nil {
		return err
	}
	for _, w := range c.orch.Workers(layerID) {
		c.log.Info("worker", "id", w.WorkerID, "layer", w.LayerID, "entities", w.EntityCount)
	}
	return nil
}

func (c *Console) cmdCells(args []string) error {
	layerID, err := parseLayerID(args)
	if err != nil {
		return err
	}
	for _, cell := range c.orch.Cells(layerID) {
		owner := "none"
		for _, o := range cell.LayerOwners {
			if o.LayerID == layerID && o.HasOwner {
				owner = fmt.Sprint(o.WorkerID)
			}
		}
		c.log.Info("cell", "coord", cell.Coordinates, "entities", cell.EntityCount, "owner", owner)
	}
	return nil
}

func (c *Console) cmdSpawn(args []string) error {
	layerID, err := parseLayerID(args)
	if err != nil {
		return err
	}
	timeout := 5 * time.Second
	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", args[1], err)
		}
		timeout = time.Duration(secs) * time.Second
	}
	if err := c.orch.RequestSpawn(layerID, timeout); err != nil {
		return err
	}
	c.log.Info("spawn requested", "layer", layerID)
	return nil
}

func (c *Console) cmdEntities(_ []string) error {
	c.log.Info("entities", "count", c.orch.EntityCount())
	return nil
}

func parseLayerID(args []string) (jani.LayerId, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing layer id")
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid layer id %q: %w", args[0], err)
	}
	return jani.LayerId(n), nil
}

func (c *Console) complete(doc prompt.Document) []prompt.Suggest {
	word := strings.TrimSpace(doc.GetWordBeforeCursor())
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	suggestions := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggestions = append(suggestions, prompt.Suggest{Text: name, Description: commands[name].usage})
	}
	return prompt.FilterHasPrefix(suggestions, word, true)
}
