// Package discovery finds nearby peers over multiple media and merges
// their sightings into one de-duplicated registry. Each medium is an
// Adapter; the registry is owned by a single goroutine and mutated only
// through messages, so merge semantics never race.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// Method names a discovery medium.
type Method string

const (
	MethodMDNS      Method = "mdns"
	MethodUDP       Method = "udp"
	MethodBluetooth Method = "bluetooth"
)

// ErrAdapterUnavailable indicates a discovery medium is not usable on this
// host. The aggregator logs it and continues with the remaining adapters.
var ErrAdapterUnavailable = errors.New("discovery adapter unavailable")

// Sighting is one raw observation of a peer on one medium.
type Sighting struct {
	PeerID       string
	DeviceName   string
	Addr         string
	Capabilities []string
	Fingerprint  string
	Method       Method
}

// Adapter is a per-medium discovery implementation.
type Adapter interface {
	// Name returns the medium name.
	Name() Method

	// Announce starts advertising the local beacon until ctx is cancelled.
	Announce(ctx context.Context, beacon protocol.Beacon) error

	// Scan browses the medium, posting sightings to out until ctx is
	// cancelled or the medium fails. Scan must not close out.
	Scan(ctx context.Context, out chan<- Sighting) error
}

// PeerRecord is the merged view of one peer across all media.
type PeerRecord struct {
	PeerID       string
	DisplayName  string
	Addresses    []string
	Capabilities []string
	Methods      []Method
	Fingerprint  string
	LastSeen     time.Time

	// TrustState is the trust verdict for the peer. Discovery itself
	// leaves it empty; the owner of the trust policy fills it in.
	TrustState string
}

// HasCapability reports whether the peer advertised a capability tag.
func (r PeerRecord) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
