// vdevd serves a filesystem to a guest over the FUSE protocol and models
// the PCI configuration space the guest enumerates.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tinyrange/vdev/internal/config"
	"github.com/tinyrange/vdev/internal/fuse"
	"github.com/tinyrange/vdev/internal/vfs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vdevd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	writeConfig string
	socket      string
	root        string
	snapshot    string
	debug       bool
	jsonLogs    bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("vdevd", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "configuration file (default: built-in defaults)")
	fs.StringVar(&o.writeConfig, "write-config", "", "write the effective configuration to this path and exit")
	fs.StringVar(&o.socket, "socket", "", "override fuse.socket")
	fs.StringVar(&o.root, "root", "", "override fuse.root (host directory to pass through)")
	fs.StringVar(&o.snapshot, "snapshot", "", "restore PCI state from this file at start and save it on exit")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&o.jsonLogs, "json", false, "log JSON records even on a terminal")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vdevd [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return o, nil
}

func setupLogging(w io.Writer, debug, forceJSON bool, isTerminal bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isTerminal && !forceJSON {
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
}

func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.socket != "" {
		cfg.Fuse.Socket = o.socket
	}
	if o.root != "" {
		cfg.Fuse.Root = o.root
	}
	return cfg, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, o.debug, o.jsonLogs, term.IsTerminal(int(os.Stderr.Fd())))

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.writeConfig != "" {
		return config.Write(o.writeConfig, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := newMachine(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	m.logLayout()

	if o.snapshot != "" {
		if err := m.restore(o.snapshot); err != nil {
			return err
		}
		defer func() {
			if err := m.save(o.snapshot); err != nil {
				slog.Error("vdevd: save snapshot", "path", o.snapshot, "err", err)
			}
		}()
	}

	fsys, closeFS, err := newFileSystem(cfg)
	if err != nil {
		return err
	}
	defer closeFS()

	return serve(ctx, cfg.Fuse.Socket, fuse.NewServer(fsys))
}

// newFileSystem picks the backend named by the configuration.
func newFileSystem(cfg config.Config) (fuse.FileSystem, func(), error) {
	opts := cfg.VFSOptions()
	if cfg.Fuse.Root == "" {
		slog.Info("vdevd: serving in-memory filesystem", "readOnly", opts.ReadOnly)
		return vfs.NewMemFS(opts), func() {}, nil
	}
	p, err := vfs.NewPassthrough(cfg.Fuse.Root, opts)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("vdevd: serving host directory", "root", cfg.Fuse.Root, "readOnly", opts.ReadOnly)
	return p, func() {
		if err := p.Close(); err != nil {
			slog.Warn("vdevd: close passthrough", "err", err)
		}
	}, nil
}

func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

func serve(ctx context.Context, path string, srv *fuse.Server) error {
	ln, err := listen(path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	slog.Info("vdevd: listening", "socket", path)
	err = srv.ServeListener(ctx, ln, nil)

	st := srv.Stats()
	slog.Info("vdevd: stopped", "requests", st.Requests, "errors", st.Errors, "options", fmt.Sprintf("%#x", uint64(st.Options)))
	return err
}
