package discovery

import (
	"context"
	"fmt"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// BluetoothAdapter is a placeholder for Bluetooth LE discovery. There is no
// portable BLE stack wired in yet, so it reports itself unavailable and the
// aggregator carries on with the remaining media.
//
// TODO: wire a BLE advertisement scanner behind a build tag once a
// maintained cross-platform stack is picked.
type BluetoothAdapter struct{}

func (a *BluetoothAdapter) Name() Method {
	return MethodBluetooth
}

func (a *BluetoothAdapter) Announce(ctx context.Context, beacon protocol.Beacon) error {
	return fmt.Errorf("%w: bluetooth not supported on this host", ErrAdapterUnavailable)
}

func (a *BluetoothAdapter) Scan(ctx context.Context, out chan<- Sighting) error {
	return fmt.Errorf("%w: bluetooth not supported on this host", ErrAdapterUnavailable)
}
