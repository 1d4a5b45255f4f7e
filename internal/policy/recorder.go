package policy

import (
	"sync"
	"time"

	"grimm.is/wayout/internal/clock"
)

const defaultRecorderSize = 4096

// DecisionRecord is one evaluated decision kept for observability.
// Records feed the read-only matches API; they are never consulted on
// the decision path.
type DecisionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip,omitempty"`
	ClientMAC string    `json:"client_mac,omitempty"`
	VLAN      int       `json:"vlan,omitempty"`
	Protocol  Protocol  `json:"protocol,omitempty"`
	Port      uint16    `json:"port,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Decision  Decision  `json:"decision"`
}

// DecisionRecorder is a thread-safe circular buffer of recent decisions.
type DecisionRecorder struct {
	entries []DecisionRecord
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewDecisionRecorder creates a recorder with the given capacity.
func NewDecisionRecorder(size int) *DecisionRecorder {
	if size <= 0 {
		size = defaultRecorderSize
	}
	return &DecisionRecorder{
		entries: make([]DecisionRecord, size),
		size:    size,
	}
}

// Record appends a decision.
func (r *DecisionRecorder) Record(d TrafficDescriptor, dec Decision) {
	entry := DecisionRecord{
		Timestamp: clock.Now(),
		ClientIP:  d.Client.IP,
		ClientMAC: d.Client.MAC,
		VLAN:      d.Client.VLAN,
		Protocol:  d.Protocol,
		Port:      d.Port,
		Domain:    d.Domain,
		Decision:  dec,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = entry
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Query returns up to limit records for the given rule, newest first.
// ruleID is required; clientIP narrows the result when non-empty.
func (r *DecisionRecorder) Query(ruleID, clientIP string, limit int) []DecisionRecord {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]DecisionRecord, 0, limit)
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		e := r.entries[idx]
		if e.Decision.MatchedRuleID != ruleID {
			continue
		}
		if clientIP != "" && e.ClientIP != clientIP {
			continue
		}
		result = append(result, e)
		if len(result) >= limit {
			break
		}
	}
	return result
}

// Count returns the number of records in the buffer.
func (r *DecisionRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
