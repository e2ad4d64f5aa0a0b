package serialized

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
	"github.com/vk/redgreengo/internal/workproduct"
)

// ErrCorrupt reports that persisted graph data could not be decoded. Callers
// recover by discarding the previous graph and rebuilding from scratch; this
// error is never a hard failure.
var ErrCorrupt = errors.New("corrupt persisted dep graph")

var magic = [4]byte{'R', 'G', 'D', 'G'}

// formatVersion is bumped whenever the payload layout changes. A mismatch
// decodes to ErrCorrupt, which degrades to a full rebuild.
const formatVersion uint32 = 1

// Kinds are persisted by registered name, not by numeric tag, so that a
// reordered registry in the same tool version cannot silently mis-attribute
// nodes: an unknown name surfaces as ErrCorrupt instead.
type payload struct {
	KindNames    []string         `msgpack:"kinds"`
	Nodes        []payloadNode    `msgpack:"nodes"`
	Edges        [][]uint32       `msgpack:"edges"`
	WorkProducts []payloadProduct `msgpack:"work_products"`
}

type payloadNode struct {
	Kind   uint32 `msgpack:"k"`
	NodeHi uint64 `msgpack:"nh"`
	NodeLo uint64 `msgpack:"nl"`
	FpHi   uint64 `msgpack:"fh"`
	FpLo   uint64 `msgpack:"fl"`
}

type payloadProduct struct {
	ID      string   `msgpack:"id"`
	Kind    uint32   `msgpack:"k"`
	OwnerHi uint64   `msgpack:"oh"`
	OwnerLo uint64   `msgpack:"ol"`
	Paths   []string `msgpack:"paths"`
}

// Encode serializes a graph for the next run. It is called once, after all
// marking and forcing has completed; Decode of the result reproduces the
// graph's observable structure exactly.
func Encode(reg *dep.Registry, g *Graph) ([]byte, error) {
	p := payload{
		KindNames: make([]string, reg.NumKinds()),
		Nodes:     make([]payloadNode, g.NumNodes()),
		Edges:     make([][]uint32, g.NumNodes()),
	}
	for k := 0; k < reg.NumKinds(); k++ {
		p.KindNames[k] = reg.Info(dep.Kind(k)).Name
	}
	for i := 0; i < g.NumNodes(); i++ {
		idx := Index(i)
		node := g.Node(idx)
		fp := g.Fingerprint(idx)
		p.Nodes[i] = payloadNode{
			Kind:   uint32(node.Kind),
			NodeHi: node.Fingerprint.Hi,
			NodeLo: node.Fingerprint.Lo,
			FpHi:   fp.Hi,
			FpLo:   fp.Lo,
		}
		edges := g.Edges(idx)
		out := make([]uint32, len(edges))
		for j, e := range edges {
			out[j] = uint32(e)
		}
		p.Edges[i] = out
	}
	for _, wp := range g.WorkProducts() {
		p.WorkProducts = append(p.WorkProducts, payloadProduct{
			ID:      string(wp.ID),
			Kind:    uint32(wp.Owner.Kind),
			OwnerHi: wp.Owner.Fingerprint.Hi,
			OwnerLo: wp.Owner.Fingerprint.Lo,
			Paths:   wp.Paths,
		})
	}

	body, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encoding dep graph payload: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 8)
	buf.Write(magic[:])
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], formatVersion)
	buf.Write(ver[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode loads a previous run's graph. Any malformed input (wrong magic,
// version mismatch, unknown kind name, out-of-range edge) returns an error
// wrapping ErrCorrupt.
func Decode(reg *dep.Registry, data []byte) (*Graph, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if ver := binary.LittleEndian.Uint32(data[4:8]); ver != formatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrCorrupt, ver, formatVersion)
	}

	var p payload
	if err := msgpack.Unmarshal(data[8:], &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(p.Edges) != len(p.Nodes) {
		return nil, fmt.Errorf("%w: %d edge lists for %d nodes", ErrCorrupt, len(p.Edges), len(p.Nodes))
	}

	// Remap persisted kind names onto the live registry.
	kindFor := make([]dep.Kind, len(p.KindNames))
	for i, name := range p.KindNames {
		kind, ok := reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown kind '%s'", ErrCorrupt, name)
		}
		kindFor[i] = kind
	}
	resolveKind := func(raw uint32) (dep.Kind, error) {
		if int(raw) >= len(kindFor) {
			return 0, fmt.Errorf("%w: kind tag %d out of range", ErrCorrupt, raw)
		}
		return kindFor[raw], nil
	}

	nodes := make([]dep.Node, len(p.Nodes))
	fingerprints := make([]fingerprint.Fingerprint, len(p.Nodes))
	edges := make([][]Index, len(p.Nodes))
	for i, pn := range p.Nodes {
		kind, err := resolveKind(pn.Kind)
		if err != nil {
			return nil, err
		}
		nodes[i] = dep.Node{
			Kind:        kind,
			Fingerprint: fingerprint.Fingerprint{Hi: pn.NodeHi, Lo: pn.NodeLo},
		}
		fingerprints[i] = fingerprint.Fingerprint{Hi: pn.FpHi, Lo: pn.FpLo}

		out := make([]Index, len(p.Edges[i]))
		for j, e := range p.Edges[i] {
			if int(e) >= len(p.Nodes) {
				return nil, fmt.Errorf("%w: edge %d -> %d out of range", ErrCorrupt, i, e)
			}
			out[j] = Index(e)
		}
		edges[i] = out
	}

	var workProducts []workproduct.WorkProduct
	for _, pw := range p.WorkProducts {
		kind, err := resolveKind(pw.Kind)
		if err != nil {
			return nil, err
		}
		workProducts = append(workProducts, workproduct.WorkProduct{
			ID: workproduct.ID(pw.ID),
			Owner: dep.Node{
				Kind:        kind,
				Fingerprint: fingerprint.Fingerprint{Hi: pw.OwnerHi, Lo: pw.OwnerLo},
			},
			Paths: pw.Paths,
		})
	}

	return New(nodes, fingerprints, edges, workProducts), nil
}
