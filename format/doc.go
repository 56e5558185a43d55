// Package format defines the on-disk metadata model of a dataset: the
// Manifest snapshot, its fragments and data files, deletion files, row-id
// metadata, index metadata, feature flags and the file footer.
//
// Everything in this package is an immutable value once committed. Mutation
// happens by building a new Manifest (see the txn package) and publishing it
// as the next version; readers pin a single Manifest and never observe
// partial state.
package format
