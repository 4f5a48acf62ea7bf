// Package core contains the main struct of the software.
package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/bluenviron/mp4demux/internal/conf"
	"github.com/bluenviron/mp4demux/internal/logger"
)

var version = "v0.0.0"

var defaultConfPaths = []string{
	"mp4demux.yml",
	"/usr/local/etc/mp4demux.yml",
	"/usr/etc/mp4demux.yml",
	"/etc/mp4demux/mp4demux.yml",
}

type probeCmd struct {
	File string `arg:"" help:"path to a MP4 file"`
}

type boxesCmd struct {
	File string `arg:"" help:"path to a MP4 file"`
}

type demuxCmd struct {
	File   string        `arg:"" help:"path to a MP4 file"`
	Seek   conf.Duration `help:"start position, as a duration (1m30s), a timestamp (00:01:30.5) or seconds (90.5)"`
	Tracks []uint32      `help:"IDs of the tracks to extract. The default is all tracks." sep:","`
}

type cliArgs struct {
	Version kong.VersionFlag `help:"print version"`
	Conf    string           `help:"path to a config file"`

	Probe probeCmd `cmd:"" help:"print movie and track informations"`
	Boxes boxesCmd `cmd:"" help:"print the box tree"`
	Demux demuxCmd `cmd:"" help:"write the samples of each track into a file"`
}

// Core is an instance of mp4demux.
type Core struct {
	ctx       context.Context
	ctxCancel func()
	command   string
	args      cliArgs
	confPath  string
	conf      *conf.Conf
	logger    *logger.Logger
	sessionID string
	stdout    io.Writer

	// out
	err  error
	done chan struct{}
}

func newParser(args *cliArgs) (*kong.Kong, error) {
	return kong.New(args,
		kong.Name("mp4demux"),
		kong.Description("mp4demux "+version),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "conf":
				return "path to a config file. The default is mp4demux.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
}

// New allocates a core.
func New(args []string) (*Core, bool) {
	p := &Core{
		stdout: os.Stdout,
		done:   make(chan struct{}),
	}

	parser, err := newParser(&p.args)
	if err != nil {
		panic(err)
	}

	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	p.command = kctx.Command()

	p.conf, p.confPath, err = conf.Load(p.args.Conf, defaultConfPaths)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	p.logger = &logger.Logger{
		Level:        logger.Level(p.conf.LogLevel),
		Destinations: p.conf.LogDestinations,
		Structured:   p.conf.LogStructured,
		File:         p.conf.LogFile,
	}
	err = p.logger.Initialize()
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	p.sessionID = uuid.New().String()[:8]
	p.ctx, p.ctxCancel = context.WithCancel(context.Background())

	p.Log(logger.Debug, "mp4demux %s", version)
	if p.confPath != "" {
		p.Log(logger.Debug, "configuration loaded from %s", p.confPath)
	}

	go p.run()

	return p, true
}

// Close stops the command and waits for it to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the command to complete and returns its error.
func (p *Core) Wait() error {
	<-p.done
	return p.err
}

// Log is the main logging function.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, "["+p.sessionID+"] "+format, args...)
}

func (p *Core) run() {
	defer close(p.done)
	defer p.logger.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	go func() {
		select {
		case <-interrupt:
			p.Log(logger.Info, "shutting down gracefully")
			p.ctxCancel()

		case <-p.ctx.Done():
		}
	}()

	p.err = p.runCommand()
	if p.err != nil {
		p.Log(logger.Error, "%s", p.err)
	}

	p.ctxCancel()
}

func (p *Core) runCommand() error {
	switch p.command {
	case "probe <file>":
		return probe(p.stdout, p.args.Probe.File, p.conf, p)

	case "boxes <file>":
		return dumpBoxes(p.stdout, p.args.Boxes.File, p.conf, p)

	case "demux <file>":
		return demux(p.ctx, &demuxParams{
			File:   p.args.Demux.File,
			Seek:   time.Duration(p.args.Demux.Seek),
			Tracks: p.args.Demux.Tracks,
		}, p.conf, p)
	}

	return fmt.Errorf("unknown command: %s", p.command)
}
