// Package cli wires the spare commands to the pipeline and the run registry.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"spare/internal/config"
	"spare/internal/fit"
	"spare/internal/pipeline"
	"spare/internal/registry"
	"spare/internal/server"
)

// Version is stamped at build time with -ldflags "-X spare/internal/cli.Version=...".
var Version = "dev"

type pipelineClient interface {
	Prepare(ctx context.Context, req pipeline.PrepareRequest) (pipeline.PrepareResult, error)
	Extract(ctx context.Context, req pipeline.ExtractRequest) ([]fit.ObjectResult, error)
	DeleteRun(ctx context.Context, id int) (registry.Run, error)
	DeleteAllRuns(ctx context.Context, confirm func() bool) ([]registry.Run, error)
}

// Opener builds the registry and pipeline on first use, so commands such as
// version and config never touch the output folder.
type Opener func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*registry.Registry, pipelineClient, error)

type serverFunc func(ctx context.Context, addr string, reg *registry.Registry, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, reg *registry.Registry, log *slog.Logger) error {
	return server.NewServer(addr, reg, log).Start(ctx)
}

// DefaultOpener opens the registry under the configured output folder, the
// configured blob store and a pipeline over both.
func DefaultOpener(ctx context.Context, cfg *config.Config, log *slog.Logger) (*registry.Registry, pipelineClient, error) {
	reg, err := registry.Open(ctx, cfg.Output.Folder)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := pipeline.OpenBlobs(ctx, cfg, reg)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return reg, pipeline.New(cfg, reg, blobs, log), nil
}

// Root holds what every command needs.
type Root struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
	open    Opener
	serveFn serverFunc
	out     io.Writer
	in      io.Reader

	once sync.Once
	reg  *registry.Registry
	pipe pipelineClient
	err  error
}

// NewRoot constructs the CLI root. A nil open uses DefaultOpener.
func NewRoot(cfg *config.Config, cfgPath string, logger *slog.Logger, open Opener) *Root {
	if open == nil {
		open = DefaultOpener
	}
	return &Root{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     logger,
		open:    open,
		serveFn: defaultServe,
		out:     os.Stdout,
		in:      os.Stdin,
	}
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// Close releases the registry if it was opened.
func (r *Root) Close() error {
	if r.reg != nil {
		return r.reg.Close()
	}
	return nil
}

func (r *Root) deps(ctx context.Context) (*registry.Registry, pipelineClient, error) {
	r.once.Do(func() {
		r.reg, r.pipe, r.err = r.open(ctx, r.cfg, r.log)
	})
	return r.reg, r.pipe, r.err
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// confirm asks a yes/no question on r.in.
func (r *Root) confirm(question string) bool {
	r.printf("%s [y/N]: ", question)
	line, err := bufio.NewReader(r.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
