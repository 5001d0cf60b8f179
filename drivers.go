package fedfs

import (
	"errors"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/fedfs/driver/file"
	"github.com/meigma/fedfs/driver/sealed"
	"github.com/meigma/fedfs/driver/tar"
	"github.com/meigma/fedfs/driver/zip"
	"github.com/meigma/fedfs/iopool"
	"github.com/meigma/fedfs/keymgr"
)

// DriverConfig configures DefaultDrivers.
type DriverConfig struct {
	// RootDir is the directory plain storage resolves against. Empty means "/".
	RootDir string

	// Pool holds the content of written entries until they are synced.
	// Nil means iopool.Default.
	Pool iopool.Pool

	// Logger is passed to every driver. Nil discards log output.
	Logger *slog.Logger

	// Keys supplies the keys of sealed archives. Nil disables the sealed
	// scheme.
	Keys keymgr.KeyManager

	// ZipZstd compresses new ZIP entries with Zstandard instead of Deflate.
	ZipZstd bool
}

// DefaultDrivers returns the drivers of all built-in schemes:
// file, zip, tar, tzst, tlz4 and, if cfg.Keys is set, szip.
// Close the returned drivers to release the plain storage root.
func DefaultDrivers(cfg DriverConfig) (Drivers, error) {
	pool := cfg.Pool
	if pool == nil {
		pool = iopool.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	plain, err := file.New(cfg.RootDir, file.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	zipOpts := []zip.Option{zip.WithPool(pool), zip.WithLogger(logger)}
	if cfg.ZipZstd {
		zipOpts = append(zipOpts, zip.WithZstd(zstd.SpeedDefault))
	}
	tarOpts := []tar.Option{tar.WithPool(pool), tar.WithLogger(logger)}

	drivers := Drivers{
		SchemeFile:   plain,
		SchemeZip:    zip.NewDriver(zipOpts...),
		SchemeTar:    tar.NewDriver(tar.None, tarOpts...),
		SchemeTarZst: tar.NewDriver(tar.Zstd, tarOpts...),
		SchemeTarLZ4: tar.NewDriver(tar.LZ4, tarOpts...),
	}
	if cfg.Keys != nil {
		drivers[SchemeSealed] = sealed.NewDriver(cfg.Keys,
			sealed.WithPool(pool),
			sealed.WithLogger(logger),
			sealed.WithZipOptions(zipOpts...))
	}
	return drivers, nil
}

// Close closes every driver that holds resources.
func (d Drivers) Close() error {
	var errs []error
	for _, driver := range d {
		if c, ok := driver.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
