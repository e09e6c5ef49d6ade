package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// mdnsService is the mDNS service name without domain suffix.
	mdnsService = "_nearwire._tcp"
	// mdnsDomain is the mDNS domain.
	mdnsDomain = "local."

	mdnsTXTPeerID      = "peer_id="
	mdnsTXTVersion     = "v="
	mdnsTXTCaps        = "caps="
	mdnsTXTFingerprint = "fp="
)

// MDNSAdapter discovers peers via multicast DNS service records.
type MDNSAdapter struct {
	// ScanInterval separates successive browse rounds. Zero uses 10s.
	ScanInterval time.Duration
	// ScanTimeout bounds each browse round. Zero uses 3s.
	ScanTimeout time.Duration
}

func (a *MDNSAdapter) Name() Method {
	return MethodMDNS
}

func (a *MDNSAdapter) scanInterval() time.Duration {
	if a.ScanInterval <= 0 {
		return 10 * time.Second
	}
	return a.ScanInterval
}

func (a *MDNSAdapter) scanTimeout() time.Duration {
	if a.ScanTimeout <= 0 {
		return 3 * time.Second
	}
	return a.ScanTimeout
}

// Announce registers the local beacon as an mDNS service until ctx ends.
func (a *MDNSAdapter) Announce(ctx context.Context, beacon protocol.Beacon) error {
	txt := []string{
		mdnsTXTPeerID + beacon.PeerID,
		mdnsTXTVersion + strconv.Itoa(protocol.ProtocolVersion),
		mdnsTXTCaps + strings.Join(beacon.Capabilities, ","),
		mdnsTXTFingerprint + beacon.Fingerprint,
	}

	server, err := zeroconf.Register(beacon.DeviceName, mdnsService, mdnsDomain, beacon.ListenPort, txt, nil)
	if err != nil {
		return fmt.Errorf("%w: register mDNS service: %v", ErrAdapterUnavailable, err)
	}
	defer server.Shutdown()

	<-ctx.Done()
	return ctx.Err()
}

// Scan browses for peer service records in rounds until ctx ends.
func (a *MDNSAdapter) Scan(ctx context.Context, out chan<- Sighting) error {
	for {
		if err := a.scanOnce(ctx, out); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.scanInterval()):
		}
	}
}

func (a *MDNSAdapter) scanOnce(ctx context.Context, out chan<- Sighting) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("%w: create mDNS resolver: %v", ErrAdapterUnavailable, err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, a.scanTimeout())
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(browseCtx, mdnsService, mdnsDomain, entries); err != nil {
		return fmt.Errorf("%w: browse mDNS: %v", ErrAdapterUnavailable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			sighting, ok := sightingFromEntry(entry)
			if !ok {
				continue
			}
			select {
			case out <- sighting:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-browseCtx.Done():
			// Round complete; drain whatever already arrived
			return nil
		}
	}
}

func sightingFromEntry(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	sighting := Sighting{
		DeviceName: entry.Instance,
		Method:     MethodMDNS,
	}

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, mdnsTXTPeerID):
			sighting.PeerID = strings.TrimPrefix(txt, mdnsTXTPeerID)
		case strings.HasPrefix(txt, mdnsTXTCaps):
			caps := strings.TrimPrefix(txt, mdnsTXTCaps)
			if caps != "" {
				sighting.Capabilities = strings.Split(caps, ",")
			}
		case strings.HasPrefix(txt, mdnsTXTFingerprint):
			sighting.Fingerprint = strings.TrimPrefix(txt, mdnsTXTFingerprint)
		}
	}
	if sighting.PeerID == "" {
		return Sighting{}, false
	}

	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}
	if ip != nil {
		sighting.Addr = net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	}

	return sighting, true
}
