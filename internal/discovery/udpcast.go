package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// DefaultBroadcastPort carries discovery beacons on the local segment.
	DefaultBroadcastPort = 47299

	maxBeaconSize = 2048
)

// UDPAdapter discovers peers via JSON beacons broadcast on the LAN.
type UDPAdapter struct {
	// BroadcastPort overrides the default beacon port.
	BroadcastPort int
	// Interval separates beacon broadcasts. Zero uses 5s.
	Interval time.Duration
}

func (a *UDPAdapter) Name() Method {
	return MethodUDP
}

func (a *UDPAdapter) port() int {
	if a.BroadcastPort <= 0 {
		return DefaultBroadcastPort
	}
	return a.BroadcastPort
}

func (a *UDPAdapter) interval() time.Duration {
	if a.Interval <= 0 {
		return 5 * time.Second
	}
	return a.Interval
}

// Announce broadcasts the beacon periodically until ctx ends.
func (a *UDPAdapter) Announce(ctx context.Context, beacon protocol.Beacon) error {
	env, err := protocol.NewEnvelope(protocol.TypeBeacon, beacon.PeerID, beacon)
	if err != nil {
		return fmt.Errorf("encode beacon: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode beacon envelope: %w", err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("%w: open broadcast socket: %v", ErrAdapterUnavailable, err)
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: a.port()}

	ticker := time.NewTicker(a.interval())
	defer ticker.Stop()

	for {
		if _, err := conn.WriteTo(payload, dest); err != nil {
			// Broadcast denied on some networks; not fatal, scanning
			// still hears other peers
			return fmt.Errorf("%w: broadcast beacon: %v", ErrAdapterUnavailable, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan listens for peer beacons on the broadcast port until ctx ends.
func (a *UDPAdapter) Scan(ctx context.Context, out chan<- Sighting) error {
	conn, err := net.ListenPacket("udp4", ":"+strconv.Itoa(a.port()))
	if err != nil {
		return fmt.Errorf("%w: listen on beacon port: %v", ErrAdapterUnavailable, err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read beacon: %w", err)
		}

		sighting, ok := sightingFromBeacon(buf[:n], from)
		if !ok {
			continue
		}

		select {
		case out <- sighting:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sightingFromBeacon(raw []byte, from net.Addr) (Sighting, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Sighting{}, false
	}
	if env.ValidateBasic() != nil || env.Type != protocol.TypeBeacon {
		return Sighting{}, false
	}

	var beacon protocol.Beacon
	if err := env.DecodePayload(&beacon); err != nil {
		return Sighting{}, false
	}
	if beacon.PeerID == "" {
		return Sighting{}, false
	}

	// The beacon's listen port matters, not the broadcast source port
	addr := ""
	if udpAddr, ok := from.(*net.UDPAddr); ok && beacon.ListenPort > 0 {
		addr = net.JoinHostPort(udpAddr.IP.String(), strconv.Itoa(beacon.ListenPort))
	}

	return Sighting{
		PeerID:       beacon.PeerID,
		DeviceName:   beacon.DeviceName,
		Addr:         addr,
		Capabilities: beacon.Capabilities,
		Fingerprint:  beacon.Fingerprint,
		Method:       MethodUDP,
	}, true
}
