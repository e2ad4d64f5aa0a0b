// Package dep defines the content-addressed identity of tracked computations.
//
// A Node is a (Kind, Fingerprint) pair. The Kind names a family of
// computation ("type-check function X" is one kind, each function a distinct
// fingerprint); the Registry holds the static metadata for every kind an
// application declares: whether its nodes are always stale, whether they are
// anonymous, how their fingerprints are formed, and the optional callbacks
// the marking algorithm uses to force or warm a node out of band.
//
// The registry is populated once during application startup and then treated
// as read-only, mirroring the handler registries used elsewhere: duplicate
// registration is a programming error and panics.
package dep
