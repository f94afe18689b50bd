// Package addressspace defines the read-only query surface the session and
// subscription core consumes from the server's address space, and a small
// in-memory reference implementation used by tests and the demo binary.
//
// The address space proper (node storage, structural mutation, reference
// indexing) is an external collaborator: spec.md places it out of scope.
// This package only carries the narrow interface the core depends on plus
// the version counter used to invalidate browse continuation points.
package addressspace

import (
	"context"
	"sync"

	"github.com/gopcua/opcua/ua"
)

// Version is a monotonically increasing counter that advances on any
// structural or value change to the address space that is relevant to
// continuation-point invalidation.
type Version uint64

// Reference describes one edge out of a node, as returned by paged browse.
type Reference struct {
	ReferenceTypeID *ua.NodeID
	IsForward       bool
	TargetNodeID    *ua.NodeID
	BrowseName      *ua.QualifiedName
}

// BrowseResult is one page of references plus an opaque cursor to resume
// from, or a nil Cursor when exhausted.
type BrowseResult struct {
	References []*Reference
	Cursor     []byte
}

// AddressSpace is the read-only surface the subscription and session core
// consumes. All methods are synchronous; implementations that front a
// remote or degraded store should apply their own timeout/circuit-breaking
// (see WithCircuitBreaker in this package).
type AddressSpace interface {
	// NodeExists reports whether id names a node in the address space.
	NodeExists(ctx context.Context, id *ua.NodeID) bool

	// ReadValue reads one attribute of one node. Returns a Bad status code
	// if the node, or the attribute on that node, does not exist.
	ReadValue(ctx context.Context, id *ua.NodeID, attr ua.AttributeID) (*ua.DataValue, ua.StatusCode)

	// BrowseReferences pages through the references leaving id. A nil or
	// empty cursor starts from the beginning. maxRefs bounds the page size.
	BrowseReferences(ctx context.Context, id *ua.NodeID, cursor []byte, maxRefs int) (*BrowseResult, ua.StatusCode)

	// Version returns the current address-space version. Continuation
	// points snapshot this value at creation and are invalid once it has
	// advanced past their snapshot.
	Version() Version
}

// Memory is a small in-memory AddressSpace used by tests and the demo
// server binary. It is intentionally minimal: nodes carry a single value
// per attribute and references are stored as a flat adjacency list.
type Memory struct {
	mu      sync.RWMutex
	nodes   map[string]map[ua.AttributeID]*ua.DataValue
	refs    map[string][]*Reference
	version Version
}

// NewMemory returns an empty in-memory address space at version 0.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]map[ua.AttributeID]*ua.DataValue),
		refs:  make(map[string][]*Reference),
	}
}

func key(id *ua.NodeID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// SetValue writes (or creates) a node's attribute value and bumps the
// address-space version. Intended for tests driving simulated data changes
// and for seeding the demo server.
func (m *Memory) SetValue(id *ua.NodeID, attr ua.AttributeID, dv *ua.DataValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(id)
	attrs, ok := m.nodes[k]
	if !ok {
		attrs = make(map[ua.AttributeID]*ua.DataValue)
		m.nodes[k] = attrs
	}
	attrs[attr] = dv
	m.version++
}

// AddReference adds a directed edge from id, bumping the address-space
// version.
func (m *Memory) AddReference(id *ua.NodeID, ref *Reference) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(id)
	m.refs[k] = append(m.refs[k], ref)
	m.version++
}

func (m *Memory) NodeExists(_ context.Context, id *ua.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.nodes[key(id)]
	return ok
}

func (m *Memory) ReadValue(_ context.Context, id *ua.NodeID, attr ua.AttributeID) (*ua.DataValue, ua.StatusCode) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.nodes[key(id)]
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}
	dv, ok := attrs[attr]
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}
	return dv, ua.StatusOK
}

func (m *Memory) BrowseReferences(_ context.Context, id *ua.NodeID, cursor []byte, maxRefs int) (*BrowseResult, ua.StatusCode) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all, ok := m.refs[key(id)]
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}

	start := 0
	if len(cursor) == 8 {
		start = int(decodeCursor(cursor))
	}
	if start > len(all) {
		start = len(all)
	}

	end := len(all)
	if maxRefs > 0 && start+maxRefs < end {
		end = start + maxRefs
	}

	result := &BrowseResult{References: all[start:end]}
	if end < len(all) {
		result.Cursor = encodeCursor(uint64(end))
	}
	return result, ua.StatusOK
}

func (m *Memory) Version() Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func encodeCursor(n uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * i))
	}
	return b
}

func decodeCursor(b []byte) uint64 {
	var n uint64
	for i := 0; i < 8 && i < len(b); i++ {
		n |= uint64(b[i]) << (8 * i)
	}
	return n
}
