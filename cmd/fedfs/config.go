package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/meigma/fedfs"
)

// config is the CLI configuration. Values are read from the YAML file named
// by --config (or FEDFS_CONFIG) and then overridden by flags.
type config struct {
	// Root is the directory plain storage resolves against.
	Root string `yaml:"root"`

	// Base is the working directory paths on the command line are relative to.
	Base string `yaml:"base"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// Strength is one of weak, soft or strong.
	Strength string `yaml:"strength"`

	// SpoolDir holds pending entry content on disk instead of in memory.
	SpoolDir string `yaml:"spool_dir"`

	// MaxSpoolBytes bounds the spooled content. Zero means unlimited.
	MaxSpoolBytes int64 `yaml:"max_spool_bytes"`

	// ZipZstd compresses new ZIP entries with Zstandard.
	ZipZstd bool `yaml:"zip_zstd"`

	// Keys configures sealed archives.
	Keys keysConfig `yaml:"keys"`
}

type keysConfig struct {
	// Default is used for every sealed archive without its own key.
	Default string `yaml:"default"`

	// MountPoints maps sealed archive mount points to passphrases.
	MountPoints map[string]string `yaml:"mount_points"`
}

func defaultConfig() config {
	return config{
		Root:     "/",
		LogLevel: "warn",
		Strength: "soft",
	}
}

// loadConfig parses args into a config. It returns the remaining positional
// arguments.
func loadConfig(args []string) (config, []string, error) {
	cfg := defaultConfig()

	flagSet := pflag.NewFlagSet("fedfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	configPath := flagSet.StringP("config", "c", os.Getenv("FEDFS_CONFIG"), "YAML configuration file")
	root := flagSet.String("root", "", "directory plain storage resolves against")
	base := flagSet.StringP("base", "C", "", "directory relative paths start from")
	logLevel := flagSet.String("log-level", "", "log level: debug, info, warn, error")
	strength := flagSet.String("strength", "", "mount retention: weak, soft, strong")
	spoolDir := flagSet.String("spool-dir", "", "spool pending content to this directory")
	zipZstd := flagSet.Bool("zip-zstd", false, "compress new ZIP entries with Zstandard")
	key := flagSet.String("key", "", "default passphrase for sealed archives")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return cfg, nil, err
	}

	if *configPath != "" {
		if err := readConfigFile(*configPath, &cfg); err != nil {
			return cfg, nil, err
		}
	}

	if flagSet.Changed("root") {
		cfg.Root = *root
	}
	if flagSet.Changed("base") {
		cfg.Base = *base
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flagSet.Changed("strength") {
		cfg.Strength = *strength
	}
	if flagSet.Changed("spool-dir") {
		cfg.SpoolDir = *spoolDir
	}
	if flagSet.Changed("zip-zstd") {
		cfg.ZipZstd = *zipZstd
	}
	if flagSet.Changed("key") {
		cfg.Keys.Default = *key
	}

	if err := cfg.validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, flagSet.Args(), nil
}

func readConfigFile(path string, cfg *config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c config) validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	if _, err := c.strength(); err != nil {
		return err
	}
	if c.MaxSpoolBytes < 0 {
		return errors.New("max_spool_bytes must be >= 0")
	}
	for mp := range c.Keys.MountPoints {
		if _, err := fedfs.ParseMountPoint(mp); err != nil {
			return fmt.Errorf("keys: %w", err)
		}
	}
	return nil
}

func (c config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

func (c config) strength() (fedfs.Strength, error) {
	switch strings.ToLower(c.Strength) {
	case "weak":
		return fedfs.Weak, nil
	case "soft", "":
		return fedfs.Soft, nil
	case "strong":
		return fedfs.Strong, nil
	default:
		return 0, fmt.Errorf("invalid strength %q", c.Strength)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `fedfs reads and writes files inside nested archives.

Usage:
  fedfs [flags] <command> [arguments]

Commands:
  ls [path...]       list directories
  cat <path...>      print files
  put <path> [file]  write stdin or file to path
  mkdir <path...>    create directories and parents
  rm <path...>       remove files and empty directories
  cp [-fp] <src> <dst>
                     copy a file or a tree, e.g. to repack an archive
  sync               commit pending changes

Paths may cross archives, e.g. backup.zip/logs/app.tar.zst/today.log.

Flags:
`)
	flagSet.PrintDefaults()
}
