package discovery

import (
	"context"
	"sort"
	"time"
)

// registry commands. The registry goroutine is the only writer to the peer
// map; everyone else talks to it through a single FIFO channel, so a Post
// followed by a Snapshot from the same goroutine observes the sighting.
type postCmd struct {
	sighting Sighting
}

type snapshotCmd struct {
	reply chan []PeerRecord
}

type removeCmd struct {
	peerID string
	reply  chan bool
}

type subscribeCmd struct {
	ch    chan PeerRecord
	reply chan int
}

type unsubscribeCmd struct {
	id int
}

// Registry is the de-duplicated peer table, owned by a single goroutine.
type Registry struct {
	cmds chan any
	done chan struct{}

	silenceTimeout time.Duration
}

// NewRegistry creates a registry evicting peers unseen for silenceTimeout.
// Zero disables eviction.
func NewRegistry(silenceTimeout time.Duration) *Registry {
	return &Registry{
		cmds:           make(chan any, 64),
		done:           make(chan struct{}),
		silenceTimeout: silenceTimeout,
	}
}

// Run owns the peer map until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	peers := make(map[string]*PeerRecord)
	subs := make(map[int]chan PeerRecord)
	nextSub := 0

	var evict <-chan time.Time
	if r.silenceTimeout > 0 {
		ticker := time.NewTicker(r.silenceTimeout / 2)
		defer ticker.Stop()
		evict = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			switch c := cmd.(type) {
			case postCmd:
				if rec := merge(peers, c.sighting); rec != nil {
					for _, sub := range subs {
						// Slow subscribers miss updates rather than
						// stalling the registry
						select {
						case sub <- *rec:
						default:
						}
					}
				}
			case snapshotCmd:
				out := make([]PeerRecord, 0, len(peers))
				for _, rec := range peers {
					out = append(out, *rec)
				}
				sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
				c.reply <- out
			case removeCmd:
				_, ok := peers[c.peerID]
				delete(peers, c.peerID)
				c.reply <- ok
			case subscribeCmd:
				id := nextSub
				nextSub++
				subs[id] = c.ch
				c.reply <- id
			case unsubscribeCmd:
				delete(subs, c.id)
			}
		case now := <-evict:
			for id, rec := range peers {
				if now.Sub(rec.LastSeen) > r.silenceTimeout {
					delete(peers, id)
				}
			}
		}
	}
}

// merge folds one sighting into the peer map and returns the updated
// record. First sighting creates the record; later sightings union
// addresses/capabilities and append the method if new.
func merge(peers map[string]*PeerRecord, s Sighting) *PeerRecord {
	if s.PeerID == "" {
		return nil
	}

	rec, ok := peers[s.PeerID]
	if !ok {
		rec = &PeerRecord{PeerID: s.PeerID}
		peers[s.PeerID] = rec
	}

	if s.DeviceName != "" {
		rec.DisplayName = s.DeviceName
	}
	if s.Fingerprint != "" {
		rec.Fingerprint = s.Fingerprint
	}
	if s.Addr != "" && !containsString(rec.Addresses, s.Addr) {
		rec.Addresses = append(rec.Addresses, s.Addr)
	}
	for _, capability := range s.Capabilities {
		if !containsString(rec.Capabilities, capability) {
			rec.Capabilities = append(rec.Capabilities, capability)
		}
	}
	if !containsMethod(rec.Methods, s.Method) {
		rec.Methods = append(rec.Methods, s.Method)
	}
	rec.LastSeen = time.Now()
	return rec
}

// Post submits a sighting. Drops silently once the registry has stopped.
func (r *Registry) Post(s Sighting) {
	select {
	case r.cmds <- postCmd{sighting: s}:
	case <-r.done:
	}
}

// Snapshot returns a copy of all current peer records, sorted by peer ID.
func (r *Registry) Snapshot(ctx context.Context) []PeerRecord {
	reply := make(chan []PeerRecord, 1)
	select {
	case r.cmds <- snapshotCmd{reply: reply}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Subscribe returns a channel receiving every merged peer record update
// until cancel is called or the registry stops. Updates a slow receiver
// cannot take are dropped, not queued.
func (r *Registry) Subscribe(ctx context.Context) (<-chan PeerRecord, func()) {
	ch := make(chan PeerRecord, 16)
	reply := make(chan int, 1)
	select {
	case r.cmds <- subscribeCmd{ch: ch, reply: reply}:
	case <-r.done:
		return ch, func() {}
	case <-ctx.Done():
		return ch, func() {}
	}
	select {
	case id := <-reply:
		return ch, func() {
			select {
			case r.cmds <- unsubscribeCmd{id: id}:
			case <-r.done:
			}
		}
	case <-r.done:
		return ch, func() {}
	case <-ctx.Done():
		return ch, func() {}
	}
}

// Remove drops a peer record, reporting whether it existed.
func (r *Registry) Remove(ctx context.Context, peerID string) bool {
	reply := make(chan bool, 1)
	select {
	case r.cmds <- removeCmd{peerID: peerID, reply: reply}:
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsMethod(list []Method, v Method) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
