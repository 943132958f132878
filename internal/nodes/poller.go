package nodes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/oms/internal/metrics"
)

// Entry is the cached result of the last poll of one node. A failed poll is
// an entry with OK false and Error set, never a missing entry.
type Entry struct {
	Node      Node              `json:"node"`
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	Status    Status            `json:"-"`
	Raw       map[string]any    `json:"status,omitempty"`
	Aliases   map[string]string `json:"aliases,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// PollerOptions configures request timeouts.
type PollerOptions struct {
	StatusTimeout time.Duration
	ConfigTimeout time.Duration
}

// Poller keeps the latest /status and /config of every configured node.
type Poller struct {
	client *Client
	log    *slog.Logger
	opts   PollerOptions

	mu      sync.RWMutex
	nodes   []Node
	cache   map[string]Entry
	aliases map[string]map[string]string
}

func NewPoller(client *Client, nodes []Node, opts PollerOptions, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 2500 * time.Millisecond
	}
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = 10 * time.Second
	}
	return &Poller{
		client:  client,
		log:     log,
		opts:    opts,
		nodes:   append([]Node(nil), nodes...),
		cache:   map[string]Entry{},
		aliases: map[string]map[string]string{},
	}
}

// SetNodes replaces the node list. Entries of removed nodes are dropped.
func (p *Poller) SetNodes(nodes []Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = append([]Node(nil), nodes...)
	keep := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n.Name] = struct{}{}
	}
	for name := range p.cache {
		if _, ok := keep[name]; !ok {
			delete(p.cache, name)
			delete(p.aliases, name)
		}
	}
}

func (p *Poller) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Node(nil), p.nodes...)
}

// Node looks a configured node up by name.
func (p *Poller) Node(name string) (Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// PollOnce polls every node concurrently and returns when all are done.
// Each node is bounded by its own timeouts.
func (p *Poller) PollOnce(ctx context.Context) {
	var g errgroup.Group
	for _, n := range p.Nodes() {
		g.Go(func() error {
			p.pollNode(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
}

// pollNode fetches /status and /config in parallel. Each result lands in the
// cache as soon as it arrives.
func (p *Poller) pollNode(ctx context.Context, n Node) {
	var g errgroup.Group
	g.Go(func() error {
		e := Entry{Node: n, FetchedAt: time.Now()}
		st, err := p.client.FetchStatus(ctx, n, p.opts.StatusTimeout)
		if err != nil {
			e.Error = err.Error()
			p.log.Debug("status poll failed", "node", n.Name, "error", err)
		} else {
			e.OK = true
			e.Status = st
			e.Raw = st.Raw
		}
		metrics.IncNodePoll(n.Name, e.OK)

		p.mu.Lock()
		defer p.mu.Unlock()
		e.Aliases = p.aliases[n.Name]
		p.cache[n.Name] = e
		return nil
	})
	g.Go(func() error {
		aliases, err := p.client.FetchAliases(ctx, n, p.opts.ConfigTimeout)
		if err != nil {
			// Failures keep the old map.
			p.log.Debug("config poll failed", "node", n.Name, "error", err)
			return nil
		}
		// A 200 replaces the alias map, even when empty.
		p.mu.Lock()
		defer p.mu.Unlock()
		p.aliases[n.Name] = aliases
		if e, ok := p.cache[n.Name]; ok {
			e.Aliases = aliases
			p.cache[n.Name] = e
		}
		return nil
	})
	_ = g.Wait()
}

// Entries returns one entry per configured node in configuration order.
// Nodes that were never polled get a not-polled error entry.
func (p *Poller) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.nodes))
	for _, n := range p.nodes {
		e, ok := p.cache[n.Name]
		if !ok {
			e = Entry{Node: n, Error: "not polled yet"}
		}
		e.Aliases = p.aliases[n.Name]
		out = append(out, e)
	}
	return out
}

// Aliases returns the cached /config alias map of a node.
func (p *Poller) Aliases(node string) map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.aliases[node]
}

// ClearAliases drops every cached alias map and returns how many were removed.
func (p *Poller) ClearAliases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.aliases)
	p.aliases = map[string]map[string]string{}
	return n
}
