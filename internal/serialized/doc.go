// Package serialized holds the previous run's dependency graph in its
// persisted form, and the codec that moves it to and from disk.
//
// The previous graph is consulted read-only while the new graph is built: a
// distinct dense index type (Index) keeps previous-run positions from being
// confused with current-run node indices at compile time.
//
// The wire format is an implementation contract between successive runs of
// the same tool version only. Anything unexpected (bad magic, a different
// format version, truncation, an out-of-range edge, an unknown kind name)
// decodes to ErrCorrupt, and the caller's policy is to treat the previous
// run as absent rather than fail the build.
package serialized
