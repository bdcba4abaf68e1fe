package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/grandcat/zeroconf"
)

const DefaultPeerTTL = 5 * time.Minute

// Peer is a parent seen on the network.
type Peer struct {
	ID       string    `json:"id"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Hostname string    `json:"hostname,omitempty"`
	Version  string    `json:"version,omitempty"`
	Platform string    `json:"platform,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Resolver keeps the last sighting of every advertised parent and evicts
// entries not seen within the TTL.
type Resolver struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	ttl    time.Duration
	events events.Publisher
	now    func() time.Time
}

func NewResolver(ttl time.Duration, publisher events.Publisher) *Resolver {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if publisher == nil {
		publisher = events.Nop
	}
	return &Resolver{
		peers:  make(map[string]*Peer),
		ttl:    ttl,
		events: publisher,
		now:    time.Now,
	}
}

// Observe records a service entry. Entries without an address are ignored.
func (r *Resolver) Observe(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}
	txt := parseTXT(entry.Text)
	id := txt["uuid"]
	if id == "" {
		id = entry.Instance
	}
	if id == "" {
		return
	}

	var ip string
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0].String()
	default:
		return
	}

	peer := &Peer{
		ID:       id,
		IP:       ip,
		Port:     entry.Port,
		Hostname: txt["hostname"],
		Version:  txt["version"],
		Platform: txt["platform"],
		LastSeen: r.now(),
	}

	r.mu.Lock()
	_, known := r.peers[id]
	r.peers[id] = peer
	r.mu.Unlock()

	if !known {
		slog.Info("Discovered parent", "id", id, "ip", ip, "port", entry.Port)
	}
}

func (r *Resolver) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a snapshot sorted by id.
func (r *Resolver) Peers() []Peer {
	r.mu.RLock()
	result := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		result = append(result, *p)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Evict removes peers last seen more than the TTL ago and publishes an
// eviction event for each.
func (r *Resolver) Evict() []Peer {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var evicted []Peer
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			evicted = append(evicted, *p)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	for _, p := range evicted {
		slog.Info("Evicted stale parent", "id", p.ID, "last_seen", p.LastSeen)
		r.events.Publish(events.Event{
			Type: events.PeerEvicted,
			Data: map[string]any{"id": p.ID, "ip": p.IP, "port": p.Port, "last_seen": p.LastSeen},
		})
	}
	return evicted
}

func (r *Resolver) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}

// Browse runs an mDNS browse for serviceType until ctx is done, feeding
// every entry to Observe.
func (r *Resolver) Browse(ctx context.Context, serviceType string) error {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				r.Observe(entry)
			}
		}
	}()

	slog.Info("mDNS browse start", "service", serviceType)
	if err := resolver.Browse(ctx, serviceType, DefaultDomain, entries); err != nil {
		return fmt.Errorf("failed to browse %s: %w", serviceType, err)
	}

	<-ctx.Done()
	<-done
	return nil
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}
