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

// Package scheduler drives a torrent download: it owns piece selection,
// block request issuance with deadlines, verification-gated persistence,
// and the population of peer connections. A single event loop serialises
// all piece-level and peer-level state; connections push events into the
// loop and never share mutable state with each other.
package scheduler

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/bitfield"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/conn"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/connstate"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler/piecerequest"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"
	"github.com/maelstrom-p2p/maelstrom/utils/memsize"
	"github.com/maelstrom-p2p/maelstrom/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// DHTPortHandler receives Port message announcements, used to feed the DHT
// routing table with peers which run a node.
type DHTPortHandler func(ip net.IP, port int)

// Scheduler downloads one torrent. Multiple Schedulers may coexist in
// process; all state is carried by the instance.
type Scheduler struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	localPeerID core.PeerID
	logger      *zap.SugaredLogger

	torrent *storage.Torrent
	backend storage.Backend
	resumes *storage.ResumeStore

	connState  *connstate.State
	handshaker *conn.Handshaker
	requests   *piecerequest.Manager

	// availability counts, per piece, how many connected peers have it.
	// Feeds rarest-first selection.
	availability *syncutil.Counters

	// The following fields are owned by the event loop.
	peers      map[string]*peer
	inProgress map[int]bool
	// contributors tracks which endpoints supplied blocks of each
	// in-progress piece; failedSources accumulates distinct endpoints
	// implicated in hash failures, for swarm corruption detection.
	contributors  map[int]map[string]bool
	failedSources map[int]map[string]bool

	// lastExpired remembers, per block, the endpoint whose request timed
	// out last, so the retry prefers a different peer.
	lastExpired map[piecerequest.Key]string

	dhtPortHandler DHTPortHandler

	events       chan event
	done         chan struct{}
	loopDone     chan struct{}
	complete     chan struct{}
	teardownOnce sync.Once

	err error
}

// Option allows setting optional Scheduler parameters.
type Option func(*Scheduler)

// WithDHTPortHandler installs a handler for peer Port messages.
func WithDHTPortHandler(h DHTPortHandler) Option {
	return func(s *Scheduler) { s.dhtPortHandler = h }
}

// New creates a Scheduler for t writing through backend. resumes may be nil
// to disable resume snapshots.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	t *storage.Torrent,
	backend storage.Backend,
	resumes *storage.ResumeStore,
	localPeerID core.PeerID,
	logger *zap.SugaredLogger,
	opts ...Option) *Scheduler {

	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "scheduler"})

	s := &Scheduler{
		config:        config,
		stats:         stats,
		clk:           clk,
		localPeerID:   localPeerID,
		logger:        logger,
		torrent:       t,
		backend:       backend,
		resumes:       resumes,
		connState:     connstate.New(config.ConnState, clk, logger),
		requests:      piecerequest.NewManager(clk, config.BlockRequestTimeout, config.PipelineLimit),
		availability:  syncutil.NewCounters(t.NumPieces()),
		peers:         make(map[string]*peer),
		inProgress:    make(map[int]bool),
		contributors:  make(map[int]map[string]bool),
		failedSources: make(map[int]map[string]bool),
		lastExpired:   make(map[piecerequest.Key]string),
		events:        make(chan event, 256),
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		complete:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handshaker = conn.NewHandshaker(
		config.Conn, stats, clk, localPeerID, s, logger)
	return s
}

// Start initializes the backend, restores progress from the resume
// snapshot, and starts the event loop.
func (s *Scheduler) Start() error {
	if err := s.backend.Initialize(
		s.torrent.Name(), s.torrent.MaxPieceLength(), s.torrent.Files()); err != nil {
		return fmt.Errorf("initialize backend: %s", err)
	}
	if err := s.restore(); err != nil {
		return fmt.Errorf("restore: %s", err)
	}
	if s.torrent.Complete() {
		s.markComplete()
	}
	go s.run()
	return nil
}

// restore replays the resume snapshot. Pieces the backend can read back are
// re-hashed before trusting the snapshot; on read-unsupported backends the
// snapshot bitfield is authoritative.
func (s *Scheduler) restore() error {
	if s.resumes == nil {
		return nil
	}
	r, err := s.resumes.Load(s.torrent.InfoHash())
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	verified, err := r.VerifiedPieces(s.torrent.NumPieces())
	if err != nil {
		return err
	}
	for _, i := range verified {
		data, err := s.backend.ReadPiece(i)
		if err == storage.ErrReadUnsupported {
			if err := s.torrent.MarkVerified(i); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read piece %d: %s", i, err)
		}
		if sha1.Sum(data) == s.torrent.PieceHash(i) {
			if err := s.torrent.MarkVerified(i); err != nil {
				return err
			}
		} else {
			s.log("piece", i).Warn("Resume snapshot piece failed re-verification, discarding")
		}
	}
	s.log().Infof("Restored %d verified pieces from resume snapshot", len(verified))
	return nil
}

// AddPeers registers discovered endpoints with the peer table.
func (s *Scheduler) AddPeers(endpoints ...core.PeerEndpoint) {
	s.sendEvent(peersDiscoveredEvent{endpoints})
}

// Progress returns verified pieces over total pieces in [0, 1].
func (s *Scheduler) Progress() float64 {
	return s.torrent.Progress()
}

// Complete returns a channel closed once every piece is verified and
// written.
func (s *Scheduler) Complete() <-chan struct{} {
	return s.complete
}

// Stop tears the scheduler down: cancels inflight requests, closes
// connections, flushes the resume snapshot, and stops the loop.
func (s *Scheduler) Stop() {
	s.sendEvent(shutdownEvent{})
	<-s.loopDone
}

// Err returns the fatal error which stopped the scheduler, if any.
func (s *Scheduler) Err() error {
	select {
	case <-s.loopDone:
		return s.err
	default:
		return nil
	}
}

// ConnClosed implements conn.Events.
func (s *Scheduler) ConnClosed(c *conn.Conn) {
	s.sendEvent(connClosedEvent{c})
}

func (s *Scheduler) sendEvent(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Scheduler) run() {
	defer close(s.loopDone)

	connectTicker := s.clk.Ticker(s.config.ConnectInterval)
	defer connectTicker.Stop()
	sweepTicker := s.clk.Ticker(s.config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-connectTicker.C:
			s.handleConnectTick()
		case <-sweepTicker.C:
			s.handleSweepTick()
		case e := <-s.events:
			e.apply(s)
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *Scheduler) handlePeersDiscovered(endpoints []core.PeerEndpoint) {
	for _, e := range endpoints {
		s.connState.Add(e)
	}
	s.handleConnectTick()
}

func (s *Scheduler) handleConnectTick() {
	if s.torrent.Complete() {
		return
	}
	for _, endpoint := range s.connState.ConnectCandidates() {
		if err := s.connState.MarkPending(endpoint); err != nil {
			continue
		}
		go func(endpoint core.PeerEndpoint) {
			c, err := s.handshaker.Dial(endpoint, s.torrent.InfoHash())
			s.sendEvent(dialResultEvent{endpoint, c, err})
		}(endpoint)
	}
}

func (s *Scheduler) handleDialResult(endpoint core.PeerEndpoint, c *conn.Conn, err error) {
	if err != nil {
		s.stats.Counter("connect_failures").Inc(1)
		s.connState.OnDisconnect(endpoint, err)
		return
	}
	if err := s.connState.MarkActive(endpoint, c.PeerID()); err != nil {
		s.log("endpoint", endpoint).Errorf("Error activating connection: %s", err)
		c.Close()
		return
	}
	p := newPeer(endpoint, c)
	s.peers[endpoint.Addr()] = p
	c.Start()
	go s.forwardMessages(p)

	if s.torrent.Bitfield().Any() {
		if err := c.Send(conn.NewBitfieldMessage(s.torrent.WireBitfield())); err != nil {
			s.log("peer", p).Infof("Error sending bitfield: %s", err)
		}
	}
	s.log("peer", p).Info("Peer connection established")
}

// forwardMessages pumps received messages into the event loop. Exits when
// the connection's receiver channel closes.
func (s *Scheduler) forwardMessages(p *peer) {
	for msg := range p.conn.Receiver() {
		s.sendEvent(incomingMessageEvent{p.endpoint, msg})
	}
}

func (s *Scheduler) handleConnClosed(c *conn.Conn) {
	p, ok := s.peers[c.Endpoint().Addr()]
	if !ok || p.conn != c {
		return
	}
	s.removePeer(p, errors.New("connection closed"))
	s.issueRequests()
}

// removePeer unregisters p and rolls its bitfield out of the availability
// counts. Idempotent per peer instance.
func (s *Scheduler) removePeer(p *peer, reason error) {
	addr := p.endpoint.Addr()
	if cur, ok := s.peers[addr]; !ok || cur != p {
		return
	}
	delete(s.peers, addr)
	if p.bitfield != nil {
		for i, e := p.bitfield.NextSet(0); e; i, e = p.bitfield.NextSet(i + 1) {
			s.availability.Decrement(int(i))
		}
	}
	s.requests.ClearPeer(p.endpoint)
	s.connState.OnDisconnect(p.endpoint, reason)
	p.conn.Close()
}

func (s *Scheduler) handleMessage(endpoint core.PeerEndpoint, msg *conn.Message) {
	p, ok := s.peers[endpoint.Addr()]
	if !ok {
		return
	}
	switch msg.ID {
	case conn.MsgChoke:
		p.peerChoking = true
		s.connState.SetUnchokingUs(endpoint, false)
		// All inflight requests to a choking peer are re-queued.
		s.requests.ClearPeer(endpoint)
	case conn.MsgUnchoke:
		p.peerChoking = false
		s.connState.SetUnchokingUs(endpoint, true)
		s.issueRequests()
	case conn.MsgInterested:
		p.peerInterested = true
		// Single-torrent leecher policy: serve anyone who asks.
		if p.amChoking {
			p.amChoking = false
			p.conn.Send(conn.NewUnchokeMessage())
		}
	case conn.MsgNotInterested:
		p.peerInterested = false
	case conn.MsgHave:
		i := int(msg.Index)
		if i >= s.torrent.NumPieces() {
			s.dropPeer(p, fmt.Errorf("have index %d out of range", i))
			return
		}
		if !p.has(i) {
			p.markHave(i, s.torrent.NumPieces())
			s.availability.Increment(i)
		}
		s.updateInterest(p)
		s.issueRequests()
	case conn.MsgBitfield:
		if p.bitfieldReceived {
			s.dropPeer(p, errors.New("repeated bitfield message"))
			return
		}
		b, err := bitfield.FromWire(msg.Bitfield, s.torrent.NumPieces())
		if err != nil {
			s.dropPeer(p, fmt.Errorf("bitfield: %s", err))
			return
		}
		p.bitfield = b
		p.bitfieldReceived = true
		for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
			s.availability.Increment(int(i))
		}
		s.updateInterest(p)
		s.issueRequests()
	case conn.MsgRequest:
		s.handleBlockRequest(p, msg)
	case conn.MsgPiece:
		s.handleBlockArrival(p, msg)
	case conn.MsgCancel:
		// Blocks are served synchronously, so there is no upload queue to
		// cancel from.
	case conn.MsgPort:
		if s.dhtPortHandler != nil {
			s.dhtPortHandler(endpoint.IP, int(msg.Port))
		}
	}
}

// handleBlockRequest serves a verified block back to the peer, reading it
// through the backend. Backends which cannot read simply never serve.
func (s *Scheduler) handleBlockRequest(p *peer, msg *conn.Message) {
	i := int(msg.Index)
	if i >= s.torrent.NumPieces() || p.amChoking {
		return
	}
	if !s.torrent.HasPiece(i) {
		return
	}
	begin, length := int64(msg.Begin), int64(msg.Length)
	if begin < 0 || length <= 0 || begin+length > s.torrent.PieceLength(i) {
		s.dropPeer(p, fmt.Errorf("impossible block request (%d, %d, %d)", i, begin, length))
		return
	}
	data, err := s.backend.ReadPiece(i)
	if err == storage.ErrReadUnsupported {
		return
	}
	if err != nil {
		s.log("piece", i).Errorf("Error reading piece for upload: %s", err)
		return
	}
	if err := p.conn.Send(conn.NewPieceMessage(i, begin, data[begin:begin+length])); err != nil {
		return
	}
	p.blocksUploaded++
	blocksPerPiece := int((s.torrent.MaxPieceLength() + s.torrent.BlockSize() - 1) / s.torrent.BlockSize())
	if p.blocksUploaded%blocksPerPiece == 0 {
		s.connState.RecordPieceUploaded(p.endpoint)
	}
}

func (s *Scheduler) handleBlockArrival(p *peer, msg *conn.Message) {
	i := int(msg.Index)
	begin := int64(msg.Begin)
	if _, ok := s.requests.Match(p.endpoint, i, begin, int64(len(msg.Block))); !ok {
		s.log("peer", p, "piece", i, "begin", begin).Warn(
			"Discarding piece message with no matching inflight request")
		s.stats.Counter("unmatched_blocks").Inc(1)
		return
	}
	s.requests.Clear(i, begin)
	delete(s.lastExpired, piecerequest.Key{Piece: i, Offset: begin})

	full, err := s.torrent.Deposit(i, begin, msg.Block)
	if err != nil {
		s.dropPeer(p, fmt.Errorf("deposit block (%d, %d): %s", i, begin, err))
		return
	}
	if c, ok := s.contributors[i]; ok {
		c[p.endpoint.Addr()] = true
	} else {
		s.contributors[i] = map[string]bool{p.endpoint.Addr(): true}
	}
	if full {
		s.finalizePiece(i)
	}
	s.issueRequests()
}

func (s *Scheduler) finalizePiece(i int) {
	data, err := s.torrent.Finalize(i)
	if err != nil {
		var verr storage.VerificationError
		if errors.As(err, &verr) {
			s.handleVerificationFailure(i)
			return
		}
		s.log("piece", i).Errorf("Error finalizing piece: %s", err)
		return
	}
	s.stats.Counter("pieces_verified").Inc(1)

	if err := s.writePiece(i, data); err != nil {
		s.fatal(fmt.Errorf("write piece %d: %s", i, err))
		return
	}
	contributors := s.contributors[i]
	delete(s.contributors, i)
	delete(s.failedSources, i)
	delete(s.inProgress, i)

	for addr := range contributors {
		if p, ok := s.peers[addr]; ok {
			s.connState.RecordPieceDownloaded(p.endpoint)
		}
	}
	for addr, p := range s.peers {
		if contributors[addr] {
			continue
		}
		p.conn.Send(conn.NewHaveMessage(i))
	}
	s.saveResume()

	if s.torrent.Complete() {
		if err := s.backend.Complete(); err != nil {
			s.fatal(fmt.Errorf("complete backend: %s", err))
			return
		}
		s.log().Infof("Torrent complete, %s written",
			memsize.Format(uint64(s.backend.BytesWritten())))
		s.markComplete()
		return
	}
	s.issueRequests()
}

func (s *Scheduler) handleVerificationFailure(i int) {
	s.stats.Counter("verification_failures").Inc(1)
	contributors := s.contributors[i]
	delete(s.contributors, i)

	failed := s.failedSources[i]
	if failed == nil {
		failed = make(map[string]bool)
		s.failedSources[i] = failed
	}
	for addr := range contributors {
		failed[addr] = true
	}

	s.log("piece", i, "failures", s.torrent.Failures(i)).Info(
		"Piece failed hash verification, rescheduling")
	if len(failed) >= s.config.CorruptionThreshold {
		s.log("piece", i, "sources", len(failed)).Warn(
			"Piece failed verification from multiple distinct peers, swarm may be corrupt")
	}
	// The piece stays in progress; cleared blocks are re-requested,
	// potentially from different peers.
	s.requests.ClearPiece(i)

	// A sole contributor is the certain source of the bad bytes; cut it
	// loose so the retry lands elsewhere.
	if len(contributors) == 1 {
		for addr := range contributors {
			if p, ok := s.peers[addr]; ok {
				s.dropPeer(p, storage.VerificationError{Piece: i, Failures: s.torrent.Failures(i)})
				return
			}
		}
	}
	s.issueRequests()
}

// writePiece persists a verified piece, retrying retryable backend errors
// with exponential backoff.
func (s *Scheduler) writePiece(i int, data []byte) error {
	return backoff.Retry(func() error {
		err := s.backend.WritePiece(i, data)
		if err != nil && !storage.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, s.config.writeBackoff())
}

func (s *Scheduler) saveResume() {
	if s.resumes == nil {
		return
	}
	if err := s.resumes.Save(storage.SnapshotResume(s.torrent)); err != nil {
		s.log().Errorf("Error saving resume snapshot: %s", err)
	}
}

// updateInterest reconciles our interest bit with whether the peer has any
// piece we still need.
func (s *Scheduler) updateInterest(p *peer) {
	needed := p.neededPieces(s.torrent.Bitfield()) > 0
	if needed && !p.amInterested {
		if err := p.conn.Send(conn.NewInterestedMessage()); err == nil {
			p.amInterested = true
		}
	} else if !needed && p.amInterested {
		if err := p.conn.Send(conn.NewNotInterestedMessage()); err == nil {
			p.amInterested = false
		}
	}
}

// issueRequests tops up in-progress pieces and issues block requests to the
// best eligible peers.
func (s *Scheduler) issueRequests() {
	if s.torrent.Complete() {
		return
	}
	s.ensurePiecesInProgress()

	pieces := make([]int, 0, len(s.inProgress))
	for i := range s.inProgress {
		pieces = append(pieces, i)
	}
	sort.Ints(pieces)

	for _, i := range pieces {
		missing, err := s.torrent.MissingBlocks(i)
		if err != nil {
			continue
		}
		for _, b := range missing {
			// Prefer a different peer than the one whose request for this
			// block last timed out.
			p := s.pickPeer(i, s.lastExpired[piecerequest.Key{Piece: i, Offset: b.Offset}])
			if p == nil {
				p = s.pickPeer(i, "")
			}
			if p == nil {
				break
			}
			if !s.requests.Reserve(p.endpoint, i, b.Offset, b.Length) {
				continue
			}
			if err := p.conn.Send(conn.NewRequestMessage(i, b.Offset, b.Length)); err != nil {
				s.requests.MarkUnsent(p.endpoint, i, b.Offset)
			}
		}
	}
}

// pickPeer selects the best connected, unchoking peer which has piece i and
// has pipeline room, by score with lowest endpoint as tie break. A non-empty
// exclude address is skipped.
func (s *Scheduler) pickPeer(i int, exclude string) *peer {
	var best *peer
	var bestScore int
	have := s.torrent.Bitfield()
	for addr, p := range s.peers {
		if addr == exclude {
			continue
		}
		if !p.has(i) || !p.canRequest() || s.requests.Available(p.endpoint) <= 0 {
			continue
		}
		score := s.connState.Score(p.endpoint, p.neededPieces(have))
		if best == nil || score > bestScore ||
			(score == bestScore && p.endpoint.LessThan(best.endpoint)) {
			best = p
			bestScore = score
		}
	}
	return best
}

// ensurePiecesInProgress tops the assembly set up to the configured
// concurrency: rarest first across connected peer bitfields, random tie
// break, random fallback when availability is unknown.
func (s *Scheduler) ensurePiecesInProgress() {
	for i := range s.inProgress {
		if s.torrent.HasPiece(i) {
			delete(s.inProgress, i)
		}
	}
	for len(s.inProgress) < s.config.ConcurrentPieces {
		i, ok := s.pickPiece()
		if !ok {
			return
		}
		s.inProgress[i] = true
	}
}

func (s *Scheduler) pickPiece() (int, bool) {
	var candidates []int
	minAvail := -1
	for i := 0; i < s.torrent.NumPieces(); i++ {
		if s.torrent.HasPiece(i) || s.inProgress[i] {
			continue
		}
		avail := s.availability.Get(i)
		switch {
		case minAvail == -1 || avail < minAvail:
			minAvail = avail
			candidates = []int{i}
		case avail == minAvail:
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// dropPeer closes a connection due to a protocol or validation violation.
func (s *Scheduler) dropPeer(p *peer, reason error) {
	s.log("peer", p).Infof("Dropping peer: %s", reason)
	s.stats.Counter("dropped_peers").Inc(1)
	s.removePeer(p, reason)
	s.issueRequests()
}

func (s *Scheduler) handleSweepTick() {
	expired := s.requests.Expired()
	if len(expired) == 0 {
		return
	}
	s.stats.Counter("expired_requests").Inc(int64(len(expired)))
	for _, r := range expired {
		if r.Status != piecerequest.StatusExpired {
			continue
		}
		s.lastExpired[r.Key] = r.Endpoint.Addr()
		if p, ok := s.peers[r.Endpoint.Addr()]; ok {
			p.conn.Send(conn.NewCancelMessage(r.Key.Piece, r.Key.Offset, r.Length))
		}
	}
	s.issueRequests()
}

func (s *Scheduler) markComplete() {
	select {
	case <-s.complete:
	default:
		close(s.complete)
	}
}

func (s *Scheduler) fatal(err error) {
	s.log().Errorf("Fatal scheduler error: %s", err)
	s.err = err
	s.teardown()
}

func (s *Scheduler) handleShutdown() {
	s.teardown()
}

// teardown cancels inflight requests, closes all connections, flushes the
// resume snapshot, and stops the event loop.
func (s *Scheduler) teardown() {
	s.teardownOnce.Do(func() {
		for _, p := range s.peers {
			for _, r := range s.requests.ClearPeer(p.endpoint) {
				p.conn.Send(conn.NewCancelMessage(r.Key.Piece, r.Key.Offset, r.Length))
			}
			p.conn.Close()
		}
		s.saveResume()
		close(s.done)
	})
}

func (s *Scheduler) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "hash", s.torrent.InfoHash())
	return s.logger.With(keysAndValues...)
}
