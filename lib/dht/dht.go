// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dht implements the Kademlia distributed hash table used for
// trackerless peer discovery: a 160-bucket routing table, the KRPC query
// protocol over UDP, bootstrap from well-known routers, and the iterative
// get_peers crawl with token-protected announces.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/dht/krpc"
	"github.com/maelstrom-p2p/maelstrom/utils/heap"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxDatagramSize bounds incoming UDP packets.
const maxDatagramSize = 4096

// nonImprovingRoundsLimit stops a crawl after this many rounds without
// getting closer to the target.
const nonImprovingRoundsLimit = 3

// ErrQueryTimeout returns when a node does not answer within the query
// timeout.
var ErrQueryTimeout = errors.New("dht query timed out")

// ErrAllSeedsFailed returns from Bootstrap when no seed node responded.
// Local operation against already-known nodes is still possible.
var ErrAllSeedsFailed = errors.New("all bootstrap seeds failed")

// DHT is one node in the overlay. It answers incoming queries and crawls
// the network for peers on demand.
type DHT struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	id      NodeID
	conn    *net.UDPConn
	table   *RoutingTable
	pending *transactions
	mint    *tokenMint
	tokens  *tokenStore
	limiter *rate.Limiter

	// announced holds peers which announce_peer'd each info hash to us.
	announcedMu sync.Mutex
	announced   map[core.InfoHash]map[string]core.PeerEndpoint

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a DHT node bound to the configured UDP address, with a fresh
// random node id.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	logger *zap.SugaredLogger) (*DHT, error) {

	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "dht"})

	addr, err := net.ResolveUDPAddr("udp4", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %s", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %s", err)
	}
	id, err := RandomNodeID()
	if err != nil {
		conn.Close()
		return nil, err
	}
	mint, err := newTokenMint(clk)
	if err != nil {
		conn.Close()
		return nil, err
	}

	d := &DHT{
		config:    config,
		stats:     stats,
		clk:       clk,
		logger:    logger,
		id:        id,
		conn:      conn,
		table:     NewRoutingTable(id, clk),
		pending:   newTransactions(clk),
		mint:      mint,
		tokens:    newTokenStore(clk),
		limiter:   rate.NewLimiter(rate.Limit(config.QueriesPerSecond), config.QueriesPerSecond),
		announced: make(map[core.InfoHash]map[string]core.PeerEndpoint),
		done:      make(chan struct{}),
	}
	d.wg.Add(2)
	go d.readLoop()
	go d.gcLoop()
	return d, nil
}

// NodeID returns this node's id.
func (d *DHT) NodeID() NodeID {
	return d.id
}

// Port returns the UDP port the node listens on.
func (d *DHT) Port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// NumNodes returns the routing table size.
func (d *DHT) NumNodes() int {
	return d.table.NumNodes()
}

// Close shuts the node down.
func (d *DHT) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.conn.Close()
	})
	d.wg.Wait()
}

// AddNode pings addr and, on response, inserts the node into the routing
// table. Used for the Port wire message and manual seeding.
func (d *DHT) AddNode(ctx context.Context, addr *net.UDPAddr) error {
	_, err := d.Ping(ctx, addr)
	return err
}

// Bootstrap resolves and pings the configured seed hostnames. A single
// unresolvable or silent seed is not fatal; ErrAllSeedsFailed returns only
// when none responded.
func (d *DHT) Bootstrap(ctx context.Context) error {
	var responded int
	for _, seed := range d.config.Seeds {
		addr, err := net.ResolveUDPAddr("udp4", seed)
		if err != nil {
			d.log("seed", seed).Warnf("Error resolving bootstrap seed: %s", err)
			continue
		}
		if _, err := d.Ping(ctx, addr); err != nil {
			d.log("seed", seed).Warnf("Error pinging bootstrap seed: %s", err)
			continue
		}
		responded++
	}
	if responded == 0 {
		return ErrAllSeedsFailed
	}
	// Crawl towards our own id to populate nearby buckets.
	d.lookup(ctx, d.id, false)
	d.log().Infof("Bootstrapped with %d seeds, %d nodes known", responded, d.table.NumNodes())
	return nil
}

// Ping queries addr and returns the remote node id.
func (d *DHT) Ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	m, err := d.query(ctx, addr, krpc.MethodPing, &krpc.Args{ID: string(d.id.Bytes())})
	if err != nil {
		return NodeID{}, err
	}
	id, err := NodeIDFromRaw([]byte(m.R.ID))
	if err != nil {
		return NodeID{}, err
	}
	d.table.Add(&Node{ID: id, Addr: addr})
	return id, nil
}

// FindNode asks addr for the nodes closest to target and feeds them into
// the routing table.
func (d *DHT) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]*Node, error) {
	m, err := d.query(ctx, addr, krpc.MethodFindNode, &krpc.Args{
		ID:     string(d.id.Bytes()),
		Target: string(target.Bytes()),
	})
	if err != nil {
		return nil, err
	}
	nodes, err := DecodeCompactNodes(m.R.Nodes)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		d.table.Add(n)
	}
	return nodes, nil
}

// GetPeers returns the peers for an info hash known to this node plus the
// closest nodes returned by addr, capturing the announce token.
func (d *DHT) GetPeers(
	ctx context.Context, addr *net.UDPAddr, h core.InfoHash) ([]core.PeerEndpoint, []*Node, error) {

	m, err := d.query(ctx, addr, krpc.MethodGetPeers, &krpc.Args{
		ID:       string(d.id.Bytes()),
		InfoHash: string(h.Bytes()),
	})
	if err != nil {
		return nil, nil, err
	}
	if id, err := NodeIDFromRaw([]byte(m.R.ID)); err == nil {
		d.tokens.put(id, m.R.Token)
	}
	var peers []core.PeerEndpoint
	for _, v := range m.R.Values {
		decoded, err := core.DecodeCompactPeers([]byte(v), core.SourceDHT)
		if err != nil {
			continue
		}
		peers = append(peers, decoded...)
	}
	var nodes []*Node
	if m.R.Nodes != "" {
		nodes, err = DecodeCompactNodes(m.R.Nodes)
		if err != nil {
			return peers, nil, err
		}
		for _, n := range nodes {
			d.table.Add(n)
		}
	}
	return peers, nodes, nil
}

// Lookup crawls the overlay for peers of an info hash: starting from the
// eight closest known nodes, it queries batches in parallel, recursing on
// newly-closer nodes until the crawl stops improving for three rounds or
// the lookup deadline elapses.
func (d *DHT) Lookup(ctx context.Context, h core.InfoHash) ([]core.PeerEndpoint, error) {
	peers, _ := d.lookup(ctx, NodeIDFromInfoHash(h), true)
	if len(peers) == 0 && d.table.NumNodes() == 0 {
		return nil, errors.New("routing table is empty, bootstrap first")
	}
	deduped := make(map[string]core.PeerEndpoint, len(peers))
	for _, p := range peers {
		deduped[p.Addr()] = p
	}
	out := make([]core.PeerEndpoint, 0, len(deduped))
	for _, p := range deduped {
		out = append(out, p)
	}
	return out, nil
}

// Announce crawls towards the info hash, then announces our peer port to
// the closest nodes which handed us tokens. The token captured from each
// node's get_peers reply is mandatory; nodes which never gave one are
// skipped.
func (d *DHT) Announce(ctx context.Context, h core.InfoHash, port int) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.LookupTimeout)
	defer cancel()

	target := NodeIDFromInfoHash(h)
	d.lookup(ctx, target, true)

	var announced int
	for _, n := range d.table.Closest(target, bucketSize) {
		token, ok := d.tokens.get(n.ID)
		if !ok {
			continue
		}
		_, err := d.query(ctx, n.Addr, krpc.MethodAnnouncePeer, &krpc.Args{
			ID:       string(d.id.Bytes()),
			InfoHash: string(h.Bytes()),
			Port:     port,
			Token:    token,
		})
		if err != nil {
			d.log("node", n).Debugf("Error announcing: %s", err)
			continue
		}
		announced++
	}
	if announced == 0 {
		return errors.New("no nodes accepted the announce")
	}
	return nil
}

// lookupResult accumulates crawl state shared between parallel queries.
type lookupResult struct {
	mu      sync.Mutex
	peers   []core.PeerEndpoint
	queried map[string]bool
	// frontier orders unqueried nodes by proximity: priority is the bit
	// length of the remaining XOR distance, so closer nodes pop first.
	frontier *heap.PriorityQueue
	closest  NodeID
}

func proximity(target, id NodeID) int {
	i := target.BucketIndex(id)
	if i < 0 {
		return 0
	}
	return numBuckets - i
}

func (r *lookupResult) push(target NodeID, nodes ...*Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		if r.queried[n.Addr.String()] {
			continue
		}
		r.frontier.Push(&heap.Item{Value: n, Priority: proximity(target, n.ID)})
	}
}

// lookup runs the iterative crawl towards target. If wantPeers is set the
// crawl issues get_peers and collects peer values; otherwise it issues
// find_node (used for bootstrap self-lookup).
func (d *DHT) lookup(ctx context.Context, target NodeID, wantPeers bool) ([]core.PeerEndpoint, int) {
	ctx, cancel := context.WithTimeout(ctx, d.config.LookupTimeout)
	defer cancel()

	r := &lookupResult{
		queried:  make(map[string]bool),
		frontier: heap.NewPriorityQueue(),
		closest:  d.id.Distance(target),
	}
	r.push(target, d.table.Closest(target, bucketSize)...)

	var rounds, nonImproving int
	for nonImproving < nonImprovingRoundsLimit && ctx.Err() == nil {
		batch := d.nextBatch(r)
		if len(batch) == 0 {
			break
		}
		improved := d.crawlRound(ctx, r, target, batch, wantPeers)
		if improved {
			nonImproving = 0
		} else {
			nonImproving++
		}
		rounds++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers, rounds
}

func (d *DHT) nextBatch(r *lookupResult) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var batch []*Node
	for len(batch) < d.config.LookupParallelism {
		item, err := r.frontier.Pop()
		if err != nil {
			break
		}
		n := item.Value.(*Node)
		if r.queried[n.Addr.String()] {
			continue
		}
		r.queried[n.Addr.String()] = true
		batch = append(batch, n)
	}
	return batch
}

// crawlRound queries one batch in parallel. Returns whether the closest
// observed distance to the target improved.
func (d *DHT) crawlRound(
	ctx context.Context, r *lookupResult, target NodeID, batch []*Node, wantPeers bool) bool {

	var improved bool
	var wg sync.WaitGroup
	for _, n := range batch {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()

			var nodes []*Node
			var peers []core.PeerEndpoint
			var err error
			if wantPeers {
				peers, nodes, err = d.GetPeers(ctx, n.Addr, infoHashFromNodeID(target))
			} else {
				nodes, err = d.FindNode(ctx, n.Addr, target)
			}
			if err != nil {
				return
			}

			r.mu.Lock()
			r.peers = append(r.peers, peers...)
			for _, found := range nodes {
				dist := found.ID.Distance(target)
				if dist.LessThan(r.closest) {
					r.closest = dist
					improved = true
				}
			}
			r.mu.Unlock()
			r.push(target, nodes...)
		}(n)
	}
	wg.Wait()
	return improved
}

func infoHashFromNodeID(id NodeID) core.InfoHash {
	var h core.InfoHash
	copy(h[:], id.Bytes())
	return h
}

// query sends one KRPC query and waits for the correlated reply.
func (d *DHT) query(
	ctx context.Context, addr *net.UDPAddr, method string, args *krpc.Args) (*krpc.Msg, error) {

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	t := d.pending.register(method, addr)
	msg := krpc.NewQuery(t.id, method, args)
	b, err := msg.Encode()
	if err != nil {
		d.pending.cancel(t.id)
		return nil, err
	}
	if _, err := d.conn.WriteToUDP(b, addr); err != nil {
		d.pending.cancel(t.id)
		d.markUnreachable(addr)
		return nil, fmt.Errorf("send query: %s", err)
	}
	d.stats.Counter("queries_sent").Inc(1)

	timeout := d.clk.Timer(d.config.QueryTimeout)
	defer timeout.Stop()

	select {
	case m := <-t.response:
		if m.Y == krpc.TypeError {
			return nil, m.E
		}
		if id, err := NodeIDFromRaw([]byte(m.R.ID)); err == nil {
			d.table.MarkResponded(id)
		}
		return m, nil
	case <-timeout.C:
		d.stats.Counter("query_timeouts").Inc(1)
		d.pending.cancel(t.id)
		d.markUnreachable(addr)
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		d.pending.cancel(t.id)
		return nil, ctx.Err()
	case <-d.done:
		return nil, errors.New("dht is closed")
	}
}

// markUnreachable records a failed exchange against whichever table node
// lives at addr.
func (d *DHT) markUnreachable(addr *net.UDPAddr) {
	for _, n := range d.table.Closest(d.id, d.table.NumNodes()) {
		if n.Addr.IP.Equal(addr.IP) && n.Addr.Port == addr.Port {
			d.table.MarkFailed(n.ID)
			return
		}
	}
}

func (d *DHT) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				d.log().Warnf("Error reading datagram: %s", err)
				continue
			}
		}
		m, err := krpc.Decode(buf[:n])
		if err != nil {
			d.stats.Counter("malformed_datagrams").Inc(1)
			continue
		}
		switch m.Y {
		case krpc.TypeQuery:
			d.handleQuery(m, addr)
		case krpc.TypeResponse, krpc.TypeError:
			t, ok := d.pending.match(m.T, addr)
			if !ok {
				// Unmatched replies are dropped.
				d.stats.Counter("unmatched_replies").Inc(1)
				continue
			}
			t.response <- m
		}
	}
}

func (d *DHT) handleQuery(m *krpc.Msg, addr *net.UDPAddr) {
	if id, err := NodeIDFromRaw([]byte(m.A.ID)); err == nil {
		d.table.Add(&Node{ID: id, Addr: addr})
	}

	switch m.Q {
	case krpc.MethodPing:
		d.respond(addr, krpc.NewResponse(m.T, &krpc.Return{ID: string(d.id.Bytes())}))
	case krpc.MethodFindNode:
		target, err := NodeIDFromRaw([]byte(m.A.Target))
		if err != nil {
			d.respond(addr, krpc.NewError(m.T, krpc.ErrCodeProtocol, "invalid target"))
			return
		}
		d.respond(addr, krpc.NewResponse(m.T, &krpc.Return{
			ID:    string(d.id.Bytes()),
			Nodes: EncodeCompactNodes(d.table.Closest(target, bucketSize)),
		}))
	case krpc.MethodGetPeers:
		h, err := core.InfoHashFromRaw([]byte(m.A.InfoHash))
		if err != nil {
			d.respond(addr, krpc.NewError(m.T, krpc.ErrCodeProtocol, "invalid info hash"))
			return
		}
		ret := &krpc.Return{
			ID:    string(d.id.Bytes()),
			Token: d.mint.issue(addr.IP),
		}
		if peers := d.announcedPeers(h); len(peers) > 0 {
			for _, p := range peers {
				c, err := p.Compact()
				if err != nil {
					continue
				}
				ret.Values = append(ret.Values, string(c))
			}
		} else {
			ret.Nodes = EncodeCompactNodes(d.table.Closest(NodeIDFromInfoHash(h), bucketSize))
		}
		d.respond(addr, krpc.NewResponse(m.T, ret))
	case krpc.MethodAnnouncePeer:
		if !d.mint.valid(addr.IP, m.A.Token) {
			d.stats.Counter("bad_tokens").Inc(1)
			d.respond(addr, krpc.NewError(m.T, krpc.ErrCodeProtocol, "bad token"))
			return
		}
		h, err := core.InfoHashFromRaw([]byte(m.A.InfoHash))
		if err != nil {
			d.respond(addr, krpc.NewError(m.T, krpc.ErrCodeProtocol, "invalid info hash"))
			return
		}
		d.storeAnnouncedPeer(h, core.NewPeerEndpoint(addr.IP, m.A.Port, core.SourceDHT))
		d.respond(addr, krpc.NewResponse(m.T, &krpc.Return{ID: string(d.id.Bytes())}))
	default:
		d.respond(addr, krpc.NewError(m.T, krpc.ErrCodeMethodUnknown, "method unknown"))
	}
}

func (d *DHT) respond(addr *net.UDPAddr, m *krpc.Msg) {
	b, err := m.Encode()
	if err != nil {
		d.log().Errorf("Error encoding response: %s", err)
		return
	}
	if _, err := d.conn.WriteToUDP(b, addr); err != nil {
		d.log("addr", addr).Debugf("Error sending response: %s", err)
	}
}

func (d *DHT) storeAnnouncedPeer(h core.InfoHash, p core.PeerEndpoint) {
	d.announcedMu.Lock()
	defer d.announcedMu.Unlock()

	peers, ok := d.announced[h]
	if !ok {
		peers = make(map[string]core.PeerEndpoint)
		d.announced[h] = peers
	}
	if len(peers) >= d.config.MaxPeersPerHash {
		return
	}
	peers[p.Addr()] = p
}

func (d *DHT) announcedPeers(h core.InfoHash) []core.PeerEndpoint {
	d.announcedMu.Lock()
	defer d.announcedMu.Unlock()

	peers := make([]core.PeerEndpoint, 0, len(d.announced[h]))
	for _, p := range d.announced[h] {
		peers = append(peers, p)
	}
	return peers
}

func (d *DHT) gcLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(transactionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if n := d.pending.gc(); n > 0 {
				d.stats.Counter("transactions_gced").Inc(int64(n))
			}
		}
	}
}

func (d *DHT) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "node", d.id)
	return d.logger.With(keysAndValues...)
}
