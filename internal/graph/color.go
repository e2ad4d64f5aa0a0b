package graph

import (
	"fmt"
	"sync"

	"github.com/vk/redgreengo/internal/serialized"
)

// Color is the validity verdict for a previous-run node. A green node's
// result is reusable and Node holds its position in the current graph.
type Color struct {
	Green bool
	Node  NodeIndex
}

type colorState uint8

const (
	colorUnvisited colorState = iota
	colorInProgress
	colorRed
	colorGreen
)

// colorEntry is the per-node resolution state machine. Transitions:
//
//	unvisited -> inProgress -> green          (successful marking)
//	inProgress -> unvisited                   (rollback: mark failed or panicked)
//	unvisited -> {green, red}                 (verdict from re-execution)
//
// A terminal color is written exactly once and never changes within a run.
type colorEntry struct {
	mu    sync.Mutex
	state colorState
	green NodeIndex
	// done is non-nil while inProgress and is closed on resolution or
	// rollback, waking waiters. Each in-progress episode gets a fresh
	// channel.
	done chan struct{}
	// owner identifies the resolving marker, for same-path cycle detection.
	owner *marker
	// waiters are the markers parked on done. Their blocked edges in the
	// wait table are cleared together with the resolution that wakes them.
	waiters []*marker
}

// colorMap memoizes colors for every node of the previous graph. It also
// owns the wait table coordinating markers that block on each other.
type colorMap struct {
	entries []colorEntry
	waits   waitTable
}

func newColorMap(numPrevNodes int) *colorMap {
	return &colorMap{
		entries: make([]colorEntry, numPrevNodes),
		waits:   newWaitTable(),
	}
}

// get returns the terminal color of idx, if resolution has finished.
func (cm *colorMap) get(idx serialized.Index) (Color, bool) {
	e := &cm.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case colorGreen:
		return Color{Green: true, Node: e.green}, true
	case colorRed:
		return Color{}, true
	default:
		return Color{}, false
	}
}

type claimResult uint8

const (
	claimAcquired claimResult = iota
	claimResolvedGreen
	claimResolvedRed
	claimOwnedBySelf
	claimOwnedByOther
)

// claim attempts to take ownership of idx for resolution by m. When the
// entry is already in progress it reports who owns it; the caller either
// detects a same-path cycle or parks on the entry and retries.
func (cm *colorMap) claim(idx serialized.Index, m *marker) (claimResult, Color, *marker) {
	e := &cm.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case colorGreen:
		return claimResolvedGreen, Color{Green: true, Node: e.green}, nil
	case colorRed:
		return claimResolvedRed, Color{}, nil
	case colorInProgress:
		if e.owner == m {
			return claimOwnedBySelf, Color{}, e.owner
		}
		return claimOwnedByOther, Color{}, e.owner
	default:
		e.state = colorInProgress
		e.owner = m
		e.done = make(chan struct{})
		return claimAcquired, Color{}, nil
	}
}

// park blocks m until the in-progress resolution of idx by owner settles.
// A nil channel with nil error means the resolution finished between claim
// and park; the caller re-claims. A non-nil error means parking would close
// a loop of blocked markers, returned as chain for the cycle trace.
//
// The blocked edge is registered under the entry lock, and wake removes it
// under the same lock before closing done: the edge can therefore never
// outlive the resolution it waits on.
func (cm *colorMap) park(idx serialized.Index, m, owner *marker) (<-chan struct{}, []*marker, error) {
	e := &cm.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != colorInProgress || e.owner != owner {
		return nil, nil, nil
	}
	chain, err := cm.waits.block(m, owner)
	if err != nil {
		return nil, chain, err
	}
	e.waiters = append(e.waiters, m)
	return e.done, nil, nil
}

// resolveGreen finishes a claimed resolution green, recording the node's
// position in the current graph.
func (cm *colorMap) resolveGreen(idx serialized.Index, current NodeIndex) {
	e := &cm.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != colorInProgress {
		panic(fmt.Sprintf("graph: resolving node %d which is not in progress", idx))
	}
	e.state = colorGreen
	e.green = current
	cm.wake(e)
}

// rollback abandons a claimed resolution, returning the entry to unvisited
// and waking waiters so they can re-attempt the claim. Used when marking
// fails without a verdict (the node may still turn green later via
// fingerprint comparison) and when the resolving computation panics.
func (cm *colorMap) rollback(idx serialized.Index) {
	e := &cm.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != colorInProgress {
		return
	}
	e.state = colorUnvisited
	cm.wake(e)
}

// wake releases the parked markers' blocked edges, then closes done. Held
// entry lock required.
func (cm *colorMap) wake(e *colorEntry) {
	cm.waits.unblock(e.waiters)
	e.waiters = nil
	e.owner = nil
	close(e.done)
	e.done = nil
}

// setFromExecution records the verdict produced by actually running the
// node's task and comparing result fingerprints. If a marker holds the entry
// the caller waits for it; a concurrent green marking and a re-execution of
// the same node must agree, so an existing terminal color is kept.
func (cm *colorMap) setFromExecution(idx serialized.Index, green bool, current NodeIndex) Color {
	e := &cm.entries[idx]
	for {
		e.mu.Lock()
		switch e.state {
		case colorGreen:
			c := Color{Green: true, Node: e.green}
			e.mu.Unlock()
			return c
		case colorRed:
			e.mu.Unlock()
			return Color{}
		case colorInProgress:
			done := e.done
			e.mu.Unlock()
			<-done
			continue
		default:
			if green {
				e.state = colorGreen
				e.green = current
			} else {
				e.state = colorRed
			}
			e.mu.Unlock()
			if green {
				return Color{Green: true, Node: current}
			}
			return Color{}
		}
	}
}
