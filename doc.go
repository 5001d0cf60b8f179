// Package fedfs provides federated file systems: archive files such as ZIP
// and TAR are mounted as directories of the file system containing them,
// to any depth, and can be read and written in place.
//
// Every file system is addressed by a [MountPoint]. Plain storage is the
// root of a chain ("file:/"); an archive is mounted at the path of its file
// in the parent file system ("zip:file:/tmp/a.zip!/"). The [Manager] keeps
// one controller chain per mount point and shares it between all clients.
// Changes to an archive are buffered until [Manager.Sync] writes the new
// archive file into its parent, children before parents.
//
// # Quick Start
//
// Read and write through nested archives:
//
//	m, err := fedfs.NewManager()
//	if err != nil {
//	    return err
//	}
//	drivers, err := fedfs.DefaultDrivers(fedfs.DriverConfig{})
//	if err != nil {
//	    return err
//	}
//	defer drivers.Close()
//
//	fsys := fedfs.NewFileSystem(m, drivers, fedfs.MustPath("file:/srv/data"))
//	err = fsys.WriteFile("bundle.zip/docs/readme.txt", []byte("hi"), 0o644)
//	if err != nil {
//	    return err
//	}
//	err = fsys.Sync(fedfs.SyncDefault)
//
// # Sync Errors
//
// A sync attempts every file system and reports all failures in one
// [*AggregateSyncError]. Use errors.Is with [ErrResourceBusy] to detect
// file systems with open output streams, and [IsSyncWarning] to tell
// failures that lost no data from hard failures.
//
// # Copying
//
// [FileSystem.Copy] and [FileSystem.CopyDir] copy between any mix of plain
// directories and archives. Repacking a ZIP file as a compressed TAR file
// is a single call:
//
//	err = fsys.CopyDir("site.zip", "site.tar.zst", fedfs.CopyWithPreserveTimes(true))
//
// # Sealed Archives
//
// Encrypted archives take their keys from a keymgr.KeyManager. Until a key
// is available, operations fail with [ErrKeyUnavailable]:
//
//	keys := keymgr.NewStatic(keymgr.WithDefaultKey(passphrase))
//	drivers, err := fedfs.DefaultDrivers(fedfs.DriverConfig{Keys: keys})
package fedfs
