// Package address implements the addressing grammar of federated file systems.
//
// A file system is identified by a MountPoint. Plain file systems are mounted
// at the root of their scheme, federated file systems (archives) are mounted
// at an entry of their parent file system:
//
//	file:/                              plain file system
//	zip:file:/tmp/app.zip!/             archive file /tmp/app.zip
//	tar:zip:file:/tmp/a.zip!/b.tar!/    archive b.tar inside a.zip
//
// A Path combines a MountPoint with an EntryName relative to it:
//
//	zip:file:/tmp/app.zip!/META-INF/MANIFEST.MF
//
// All values are immutable and comparable with ==; two values are equal
// if and only if their canonical string forms are equal.
package address
