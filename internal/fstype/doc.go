// Package fstype defines the types shared by every layer of the federated
// file system kernel: entries, access and sync options, the per mount point
// Model, the Controller capability set, the Driver contract and the error
// taxonomy. The root fedfs package re-exports them for public use.
package fstype
