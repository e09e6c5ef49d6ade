package transport

import (
	"github.com/nearwire/nearwire/pkg/protocol"
)

// priority orders transports from most to least preferred. Lower is better.
var priority = map[protocol.Transport]int{
	protocol.TransportQUIC:      0,
	protocol.TransportWebRTC:    1,
	protocol.TransportWebSocket: 2,
	protocol.TransportUDP:       3,
}

// Registry holds the transports available on this host, ordered by
// preference. It is populated once at startup and read-only afterwards.
type Registry struct {
	transports []Transport
}

// NewRegistry builds a registry over the given transports, sorted by
// preference. Nil entries are skipped.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{}
	for _, t := range transports {
		if t == nil {
			continue
		}
		r.transports = append(r.transports, t)
	}
	// Insertion sort; the list has at most a handful of entries.
	for i := 1; i < len(r.transports); i++ {
		for j := i; j > 0 && rank(r.transports[j]) < rank(r.transports[j-1]); j-- {
			r.transports[j], r.transports[j-1] = r.transports[j-1], r.transports[j]
		}
	}
	return r
}

func rank(t Transport) int {
	if p, ok := priority[t.Kind()]; ok {
		return p
	}
	return len(priority)
}

// All returns the transports in preference order.
func (r *Registry) All() []Transport {
	return r.transports
}

// Get returns the transport of the given kind, if registered.
func (r *Registry) Get(kind protocol.Transport) (Transport, bool) {
	for _, t := range r.transports {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Kinds returns the registered transport names in preference order,
// suitable for a discovery beacon's capability list.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, string(t.Kind()))
	}
	return out
}

// Close closes every registered transport, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, t := range r.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
