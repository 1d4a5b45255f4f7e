// Package network programs the kernel side of egress steering: fwmark
// allocation, policy routing tables and the nftables mark-setting
// chains that classify client traffic.
package network

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// RoutingMark is a 32-bit firewall mark set on packets by nftables and
// matched by ip rules for routing decisions.
type RoutingMark uint32

// Mark layout (32-bit):
// Bits 0-7:  index within category
// Bits 8-15: category
// Upper 16 bits reserved.
const (
	MarkNone RoutingMark = 0x0000

	// Egress marks: one per egress point. 0x0100 + index.
	MarkEgressBase RoutingMark = 0x0100
	// QoS marks, set alongside the egress mark when a rule carries a
	// QoS class. 0x0400 + class index.
	MarkQoSBase RoutingMark = 0x0400

	MarkMaskCategory RoutingMark = 0xFF00
	MarkMaskIndex    RoutingMark = 0x00FF
)

// RoutingTable is a kernel routing table id.
type RoutingTable uint32

const (
	TableMain RoutingTable = 254

	// Egress tables start above the well-known kernel tables.
	TableEgressBase RoutingTable = 100
	tableEgressMax  RoutingTable = 199
)

// RulePriorityBase is where our ip rules live. Everything in
// [base, base+255] belongs to us and is safe to flush on sync.
const RulePriorityBase = 10000

// EgressAlloc is the kernel identity assigned to one egress point.
type EgressAlloc struct {
	EgressID string
	Mark     RoutingMark
	Table    RoutingTable
	Priority int // ip rule priority
}

// MarkAllocator hands out stable mark/table pairs for egress points.
// Allocation is deterministic for a given insertion order and ids are
// reusable after Release.
type MarkAllocator struct {
	mu     sync.Mutex
	byID   map[string]*EgressAlloc
	inUse  map[RoutingMark]bool
	nextIx int
}

// NewMarkAllocator creates an empty allocator.
func NewMarkAllocator() *MarkAllocator {
	return &MarkAllocator{
		byID:  make(map[string]*EgressAlloc),
		inUse: make(map[RoutingMark]bool),
	}
}

// Allocate returns the existing allocation for the egress id or
// creates a new one.
func (a *MarkAllocator) Allocate(egressID string) (*EgressAlloc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc, ok := a.byID[egressID]; ok {
		return alloc, nil
	}

	for ix := 0; ix < 256; ix++ {
		mark := MarkEgressBase + RoutingMark(ix)
		if a.inUse[mark] {
			continue
		}
		table := TableEgressBase + RoutingTable(ix)
		if table > tableEgressMax {
			break
		}
		alloc := &EgressAlloc{
			EgressID: egressID,
			Mark:     mark,
			Table:    table,
			Priority: RulePriorityBase + ix,
		}
		a.byID[egressID] = alloc
		a.inUse[mark] = true
		return alloc, nil
	}
	return nil, fmt.Errorf("no free routing marks for egress %q", egressID)
}

// Get returns the allocation for an egress id, if any.
func (a *MarkAllocator) Get(egressID string) (*EgressAlloc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byID[egressID]
	return alloc, ok
}

// Release frees the allocation for an egress id.
func (a *MarkAllocator) Release(egressID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.byID[egressID]; ok {
		delete(a.inUse, alloc.Mark)
		delete(a.byID, egressID)
	}
}

// Reset drops all allocations.
func (a *MarkAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID = make(map[string]*EgressAlloc)
	a.inUse = make(map[RoutingMark]bool)
}

// MarkCategory returns the category byte of a mark.
func MarkCategory(mark RoutingMark) RoutingMark {
	return (mark & MarkMaskCategory) >> 8
}

// MarkIndex returns the index within a mark's category.
func MarkIndex(mark RoutingMark) int {
	return int(mark & MarkMaskIndex)
}

// ParseRoutingMark parses a mark from string, hex with 0x prefix or
// decimal.
func ParseRoutingMark(s string) (RoutingMark, error) {
	s = strings.TrimSpace(s)

	var val uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		val, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid mark value: %w", err)
	}
	return RoutingMark(val), nil
}
