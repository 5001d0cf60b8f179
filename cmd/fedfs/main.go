// Command fedfs lists, reads and writes files inside nested archives.
//
// Paths on the command line are ordinary file paths that may pass through
// archive files as if they were directories:
//
//	fedfs put backup.zip/etc/app.yaml < app.yaml
//	fedfs ls backup.zip/etc
//	fedfs cat backup.zip/logs.tar.zst/today.log
//
// Every command that changes something syncs and unmounts all archives
// before it exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/meigma/fedfs"
	"github.com/meigma/fedfs/iopool"
	"github.com/meigma/fedfs/iopool/disk"
	"github.com/meigma/fedfs/keymgr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fedfs: %v\n", err)
		os.Exit(1)
	}
}

// app is one invocation of the CLI.
type app struct {
	cfg    config
	fsys   *fedfs.FileSystem
	root   string
	base   string
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errors.New("missing command, see --help")
	}

	level, _ := cfg.level()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	a, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.stdin = stdin
	a.stdout = stdout

	err = a.dispatch(rest[0], rest[1:])
	return errors.Join(err, cleanup())
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger) (*app, func() error, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, nil, err
	}
	base := cfg.Base
	if base == "" {
		if base, err = os.Getwd(); err != nil {
			return nil, nil, err
		}
	}
	if base, err = filepath.Abs(base); err != nil {
		return nil, nil, err
	}

	var pool iopool.Pool = iopool.Default
	if cfg.SpoolDir != "" {
		var opts []disk.Option
		if cfg.MaxSpoolBytes > 0 {
			opts = append(opts, disk.WithMaxBytes(cfg.MaxSpoolBytes))
		}
		if pool, err = disk.New(cfg.SpoolDir, opts...); err != nil {
			return nil, nil, fmt.Errorf("spool: %w", err)
		}
	} else if cfg.MaxSpoolBytes > 0 {
		pool = iopool.NewMemPool(iopool.WithMaxBytes(cfg.MaxSpoolBytes))
	}

	keys, err := newKeys(cfg.Keys, logger)
	if err != nil {
		return nil, nil, err
	}

	strength, _ := cfg.strength()
	m, err := fedfs.NewManager(
		fedfs.WithLogger(logger),
		fedfs.WithPool(pool),
		fedfs.WithStrength(strength),
	)
	if err != nil {
		return nil, nil, err
	}
	drivers, err := fedfs.DefaultDrivers(fedfs.DriverConfig{
		RootDir: root,
		Pool:    pool,
		Logger:  logger,
		Keys:    keys,
		ZipZstd: cfg.ZipZstd,
	})
	if err != nil {
		return nil, nil, err
	}

	fsys := fedfs.NewFileSystem(m, drivers, fedfs.MustPath("file:/")).WithContext(ctx)
	a := &app{
		cfg:    cfg,
		fsys:   fsys,
		root:   root,
		base:   base,
		logger: logger,
	}
	cleanup := func() error {
		// Unmount everything still mounted, even after a failed command.
		// Changes were already committed by the command itself.
		err := m.Sync(context.WithoutCancel(ctx), fedfs.SyncUnmount)
		return errors.Join(err, drivers.Close())
	}
	return a, cleanup, nil
}

func newKeys(cfg keysConfig, logger *slog.Logger) (keymgr.KeyManager, error) {
	if cfg.Default == "" && len(cfg.MountPoints) == 0 {
		return nil, nil
	}
	opts := []keymgr.Option{keymgr.WithLogger(logger)}
	if cfg.Default != "" {
		opts = append(opts, keymgr.WithDefaultKey([]byte(cfg.Default)))
	}
	keys := keymgr.NewStatic(opts...)
	for s, key := range cfg.MountPoints {
		mp, err := fedfs.ParseMountPoint(s)
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		keys.SetKey(mp, []byte(key))
	}
	return keys, nil
}

func (a *app) dispatch(cmd string, args []string) error {
	switch cmd {
	case "ls":
		if len(args) == 0 {
			args = []string{"."}
		}
		return a.each(args, a.ls)
	case "cat":
		if len(args) == 0 {
			return errors.New("cat: missing path")
		}
		return a.each(args, a.cat)
	case "put":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("put: usage: put <path> [file]")
		}
		return a.commit(a.put(args))
	case "mkdir":
		if len(args) == 0 {
			return errors.New("mkdir: missing path")
		}
		return a.commit(a.each(args, a.mkdir))
	case "rm":
		if len(args) == 0 {
			return errors.New("rm: missing path")
		}
		return a.commit(a.each(args, a.rm))
	case "cp":
		return a.commit(a.cp(args))
	case "sync":
		if len(args) != 0 {
			return errors.New("sync: unexpected arguments")
		}
		return a.commit(nil)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// name converts a command line path into a name of a.fsys.
func (a *app) name(arg string) (string, error) {
	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.base, p)
	}
	rel, err := filepath.Rel(a.root, filepath.Clean(p))
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s: outside of root %s", arg, a.root)
	}
	return rel, nil
}

func (a *app) each(args []string, fn func(name string) error) error {
	var errs []error
	for _, arg := range args {
		name, err := a.name(arg)
		if err == nil {
			err = fn(name)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// commit syncs all changes after a mutating command. The command's own
// error takes precedence but does not prevent committing earlier changes.
func (a *app) commit(err error) error {
	start := time.Now()
	syncErr := a.fsys.Sync(fedfs.SyncUnmount)
	a.logger.Debug("synced", "duration", time.Since(start), "error", syncErr)
	return errors.Join(err, syncErr)
}

func (a *app) ls(name string) error {
	info, err := a.fsys.Stat(name)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return printInfo(a.stdout, []fs.FileInfo{info})
	}
	entries, err := a.fsys.ReadDir(name)
	if err != nil {
		return err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return printInfo(a.stdout, infos)
}

func printInfo(w io.Writer, infos []fs.FileInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t %s\n",
			info.Mode(), info.Size(), info.ModTime().Format(time.DateTime), name)
	}
	return tw.Flush()
}

func (a *app) cat(name string) error {
	f, err := a.fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(a.stdout, f)
	return err
}

func (a *app) put(args []string) error {
	name, err := a.name(args[0])
	if err != nil {
		return err
	}
	src := a.stdin
	if len(args) == 2 {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	w, err := a.fsys.Create(name, fedfs.CreateParents)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		if d, ok := w.(fedfs.Discarder); ok {
			return errors.Join(err, d.Discard())
		}
		return errors.Join(err, w.Close())
	}
	return w.Close()
}

func (a *app) cp(args []string) error {
	flagSet := pflag.NewFlagSet("cp", pflag.ContinueOnError)
	force := flagSet.BoolP("force", "f", false, "overwrite existing files")
	preserve := flagSet.BoolP("preserve", "p", false, "preserve modes and modification times")
	workers := flagSet.IntP("jobs", "j", 0, "files copied concurrently (0 = GOMAXPROCS)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return errors.New("cp: usage: cp [-f] [-p] [-j n] <src> <dst>")
	}
	src, err := a.name(flagSet.Arg(0))
	if err != nil {
		return err
	}
	dst, err := a.name(flagSet.Arg(1))
	if err != nil {
		return err
	}

	opts := []fedfs.CopyOption{
		fedfs.CopyWithOverwrite(*force),
		fedfs.CopyWithPreserveMode(*preserve),
		fedfs.CopyWithPreserveTimes(*preserve),
		fedfs.CopyWithWorkers(*workers),
	}
	info, err := a.fsys.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return a.fsys.CopyDir(src, dst, opts...)
	}
	return a.fsys.Copy(src, dst, opts...)
}

func (a *app) mkdir(name string) error {
	return a.fsys.MkdirAll(name, 0o755)
}

func (a *app) rm(name string) error {
	return a.fsys.Remove(name)
}
