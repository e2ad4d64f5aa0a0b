package dep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/redgreengo/internal/fingerprint"
)

// Kind is a dense tag identifying a family of computation. Kind values are
// assigned by the Registry at registration time and are only meaningful
// within the registry that produced them.
type Kind uint16

const (
	// KindNull is used when dependency tracking is disabled. Nodes of this
	// kind are never inserted by tasks; the graph uses it for placeholder
	// identities.
	KindNull Kind = 0

	// KindRed is the distinguished forever-red kind. The graph creates a
	// single KindRed node per run; reading it poisons dependents red.
	KindRed Kind = 1
)

// FingerprintStyle classifies how a kind's node fingerprints are formed and
// whether a node's identity can be rebuilt from its logical key alone.
type FingerprintStyle uint8

const (
	// StyleOpaque marks fingerprints derived from recorded edges plus a
	// disambiguator. They are meaningful within a single run's graph and are
	// never reconstructed from a key.
	StyleOpaque FingerprintStyle = iota

	// StyleDefPathHash marks fingerprints that are the stable hash of a
	// definition path.
	StyleDefPathHash

	// StyleHirID marks fingerprints derived from a stable item identifier.
	StyleHirID

	// StyleUnit marks kinds whose logical key is the unit value; the
	// fingerprint is fingerprint.Zero.
	StyleUnit
)

// Reconstructible reports whether a node of this style can be re-addressed
// from its logical key without replaying the graph.
func (s FingerprintStyle) Reconstructible() bool {
	switch s {
	case StyleDefPathHash, StyleUnit, StyleHirID:
		return true
	default:
		return false
	}
}

func (s FingerprintStyle) String() string {
	switch s {
	case StyleOpaque:
		return "opaque"
	case StyleDefPathHash:
		return "def-path-hash"
	case StyleHirID:
		return "hir-id"
	case StyleUnit:
		return "unit"
	default:
		return fmt.Sprintf("style(%d)", uint8(s))
	}
}

// ForceFunc synchronously executes the computation behind a node that the
// marking algorithm discovered in the previous graph but that has not run
// yet this run. It returns false when the node is not forcible from its key
// (the caller then treats the node as red).
type ForceFunc func(ctx context.Context, node Node) bool

// LoadDiskCacheFunc warms any on-disk cached value for a node that was just
// marked green.
type LoadDiskCacheFunc func(ctx context.Context, node Node)

// KindInfo is the static metadata declared for one kind.
type KindInfo struct {
	// Name is the stable human-readable identifier, used in logs, cycle
	// traces and the persisted graph.
	Name string

	// EvalAlways marks kinds whose nodes are unconditionally stale: marking
	// never turns them green.
	EvalAlways bool

	// Anon marks kinds whose node identity is derived from recorded edges
	// rather than an input key.
	Anon bool

	// FingerprintStyle is the declared style. Anonymous kinds report
	// StyleOpaque regardless of this field.
	FingerprintStyle FingerprintStyle

	// Force, when set, lets the marking algorithm execute this kind's
	// computation from a node key. Nil means nodes of this kind cannot be
	// forced and are treated as red when encountered un-executed.
	Force ForceFunc

	// LoadDiskCache, when set, is invoked after a node of this kind is
	// marked green.
	LoadDiskCache LoadDiskCacheFunc
}

// Node is the content-addressed identity of one tracked computation.
type Node struct {
	Kind        Kind
	Fingerprint fingerprint.Fingerprint
}

// NewNode builds a keyed node identity from a kind and a precomputed key
// fingerprint.
func NewNode(kind Kind, fp fingerprint.Fingerprint) Node {
	return Node{Kind: kind, Fingerprint: fp}
}

// Registry holds the kind table for a single application instance.
type Registry struct {
	kinds  []KindInfo
	byName map[string]Kind
}

// NewRegistry creates a registry with the two sentinel kinds pre-registered.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Kind)}
	r.Register(KindInfo{Name: "Null"})
	r.Register(KindInfo{Name: "Red", EvalAlways: true})
	return r
}

// Register adds a kind and returns its tag. Registration happens during
// startup, before any graph exists; duplicate names panic.
func (r *Registry) Register(info KindInfo) Kind {
	if info.Name == "" {
		panic("dep: kind registered without a name")
	}
	if _, exists := r.byName[info.Name]; exists {
		panic(fmt.Sprintf("dep: kind with name '%s' already registered", info.Name))
	}
	kind := Kind(len(r.kinds))
	r.kinds = append(r.kinds, info)
	r.byName[info.Name] = kind
	slog.Debug("Registering dep kind.", "name", info.Name, "kind", uint16(kind))
	return kind
}

// Info returns the metadata for a kind. Unknown kinds panic: a Kind value can
// only come from this registry.
func (r *Registry) Info(kind Kind) KindInfo {
	if int(kind) >= len(r.kinds) {
		panic(fmt.Sprintf("dep: unknown kind %d", kind))
	}
	return r.kinds[kind]
}

// Lookup resolves a kind by its registered name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	kind, ok := r.byName[name]
	return kind, ok
}

// NumKinds returns the number of registered kinds, sentinels included.
func (r *Registry) NumKinds() int {
	return len(r.kinds)
}

// FingerprintStyle returns the effective style for a kind. Anonymity always
// implies an opaque, non-reconstructible identity.
func (r *Registry) FingerprintStyle(kind Kind) FingerprintStyle {
	info := r.Info(kind)
	if info.Anon {
		return StyleOpaque
	}
	return info.FingerprintStyle
}

// IsEvalAlways reports whether nodes of this kind always require evaluation.
func (r *Registry) IsEvalAlways(kind Kind) bool {
	return r.Info(kind).EvalAlways
}

// DescribeNode renders a node for logs and cycle traces, e.g.
// "TypeCheck(3fa9…)".
func (r *Registry) DescribeNode(n Node) string {
	return fmt.Sprintf("%s(%s)", r.Info(n.Kind).Name, n.Fingerprint)
}
