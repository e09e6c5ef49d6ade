package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// Service runs all enabled adapters concurrently and aggregates their
// sightings into the registry. One failing adapter never fails discovery
// as a whole.
type Service struct {
	adapters []Adapter
	registry *Registry
	beacon   protocol.Beacon
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService creates a discovery service over the given adapters.
func NewService(adapters []Adapter, registry *Registry, beacon protocol.Beacon, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		adapters: adapters,
		registry: registry,
		beacon:   beacon,
		logger:   logger,
	}
}

// Start launches the registry and all adapter announce/scan loops.
// Idempotent; the service runs until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.Run(runCtx)
	}()

	sightings := make(chan Sighting, 64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case sighting := <-sightings:
				// Never surface our own beacon as a peer
				if sighting.PeerID == s.beacon.PeerID {
					continue
				}
				s.registry.Post(sighting)
			}
		}
	}()

	for _, adapter := range s.adapters {
		adapter := adapter

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := adapter.Announce(runCtx, s.beacon); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("discovery announce failed",
					"adapter", string(adapter.Name()), "error", err)
			}
		}()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := adapter.Scan(runCtx, sightings); err != nil && !errors.Is(err, context.Canceled) {
				// Isolated per adapter: log and contribute zero sightings
				s.logger.Warn("discovery scan failed",
					"adapter", string(adapter.Name()), "error", err)
			}
		}()
	}
}

// Stop cancels all adapter loops and waits for them to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Discover collects sightings for the given window and returns the merged
// peer list. Each call re-observes on top of whatever the background loops
// have already gathered; it is safe to call repeatedly.
func (s *Service) Discover(ctx context.Context, window time.Duration) ([]PeerRecord, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, errors.New("discovery service not started")
	}

	if window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return s.registry.Snapshot(ctx), nil
}

// Subscribe streams merged peer updates until cancel is called. Useful
// for callers that want continuous discovery instead of timed windows.
func (s *Service) Subscribe(ctx context.Context) (<-chan PeerRecord, func()) {
	return s.registry.Subscribe(ctx)
}

// Peers returns the current merged peer list without waiting.
func (s *Service) Peers(ctx context.Context) []PeerRecord {
	return s.registry.Snapshot(ctx)
}

// Lookup returns the record for one peer, if known.
func (s *Service) Lookup(ctx context.Context, peerID string) (PeerRecord, bool) {
	for _, rec := range s.registry.Snapshot(ctx) {
		if rec.PeerID == peerID {
			return rec, true
		}
	}
	return PeerRecord{}, false
}
