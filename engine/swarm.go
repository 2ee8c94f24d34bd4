// Copyright 2025 medialib
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

package engine

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/joaovictorsl/gorkpool"

	"github.com/medialib/bt/metainfo"
	"github.com/medialib/bt/piece"

	pp "github.com/medialib/bt/peerprotocol"
)

// redialAfter is how long a failed or closed peer address is left alone
// before a new candidate for it is dialed again.
const redialAfter = 5 * time.Minute

// swarm owns the set of active peer links of one session: it dials
// candidate addresses from the tracker through a bounded worker fleet,
// replaces links that close, and runs the choking policy on a fixed
// interval.
type swarm struct {
	s *Session

	pool *gorkpool.GorkPool[int, metainfo.Address, *pp.PeerConn]

	mu        sync.Mutex
	links     map[string]*peerLink
	attempted map[string]time.Time
	optimist  string
	round     int
	closed    bool
}

func newSwarm(s *Session) *swarm {
	return &swarm{
		s:         s,
		links:     make(map[string]*peerLink),
		attempted: make(map[string]time.Time),
	}
}

// dialWorker is one slot of the dial fleet: it consumes candidate
// addresses, dials and handshakes, and emits established connections.
type dialWorker struct {
	id  int
	in  chan metainfo.Address
	out chan *pp.PeerConn
	s   *Session
	ctx context.Context
}

func (w *dialWorker) ID() int { return w.id }

func (w *dialWorker) SignalRemoval() {}

func (w *dialWorker) Process() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case addr, ok := <-w.in:
			if !ok {
				return
			}
			conn, err := w.dial(addr)
			if err != nil {
				w.s.log.WithField("peer", addr.String()).WithError(err).Debug("dial failed")
				continue
			}
			select {
			case w.out <- conn:
			case <-w.ctx.Done():
				conn.Close()
				return
			}
		}
	}
}

func (w *dialWorker) dial(addr metainfo.Address) (*pp.PeerConn, error) {
	conn, err := pp.NewPeerConnByDial(addr.String(), w.s.conf.ID, w.s.infohash, w.s.conf.DialTimeout)
	if err != nil {
		return nil, err
	}
	if err = conn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// start brings up the dial fleet, the accept loop and the choke timer.
func (sw *swarm) start(ctx context.Context) {
	sw.pool = gorkpool.NewGorkPool(
		ctx,
		make(chan metainfo.Address, 128),
		make(chan *pp.PeerConn, 16),
		func(id int, ic chan metainfo.Address, oc chan *pp.PeerConn) (gorkpool.GorkWorker[int, metainfo.Address, *pp.PeerConn], error) {
			return &dialWorker{id: id, in: ic, out: oc, s: sw.s, ctx: ctx}, nil
		},
	)
	for i := 0; i < sw.s.conf.DialWorkers; i++ {
		sw.pool.AddWorker(i)
	}

	sw.s.wg.Add(2)
	go sw.acceptLoop(ctx)
	go sw.chokeLoop(ctx)
}

// addCandidate queues one tracker-provided address for dialing, skipping
// addresses already connected or recently tried, and respecting the
// session's peer cap.
func (sw *swarm) addCandidate(addr metainfo.Address) {
	key := addr.String()

	sw.mu.Lock()
	if len(sw.links) >= sw.s.conf.MaxPeers {
		sw.mu.Unlock()
		return
	}
	if _, connected := sw.links[key]; connected {
		sw.mu.Unlock()
		return
	}
	if last, ok := sw.attempted[key]; ok && time.Since(last) < redialAfter {
		sw.mu.Unlock()
		return
	}
	sw.attempted[key] = time.Now()
	sw.mu.Unlock()

	sw.pool.AddTask(addr)
}

func (sw *swarm) acceptLoop(ctx context.Context) {
	defer sw.s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-sw.pool.OutputCh():
			sw.register(ctx, conn)
		}
	}
}

func (sw *swarm) register(ctx context.Context, conn *pp.PeerConn) {
	l := newPeerLink(sw.s, conn)

	sw.mu.Lock()
	if sw.closed || len(sw.links) >= sw.s.conf.MaxPeers {
		sw.mu.Unlock()
		conn.Close()
		return
	}
	if _, dup := sw.links[l.addr]; dup {
		sw.mu.Unlock()
		conn.Close()
		return
	}
	sw.links[l.addr] = l
	count := len(sw.links)
	sw.mu.Unlock()

	l.log.WithField("peers", count).Info("peer link established")
	sw.s.publishPeerCount(count)

	sw.s.wg.Add(1)
	go func() {
		defer sw.s.wg.Done()
		l.run(ctx)
	}()
}

// removeLink drops a closed link and releases its in-flight blocks.
func (sw *swarm) removeLink(l *peerLink) {
	l.conn.Close()
	sw.s.picker.OnPeerGone(l.addr)

	sw.mu.Lock()
	if sw.links[l.addr] != l {
		sw.mu.Unlock()
		return
	}
	delete(sw.links, l.addr)
	sw.attempted[l.addr] = time.Now()
	if sw.optimist == l.addr {
		sw.optimist = ""
	}
	count := len(sw.links)
	sw.mu.Unlock()

	l.log.WithField("peers", count).Info("peer link closed")
	sw.s.publishPeerCount(count)
}

// snapshotBitfields returns immutable copies of the remote bitfields of
// every connected peer, for the picker's rarity census.
func (sw *swarm) snapshotBitfields() []pp.BitField {
	sw.mu.Lock()
	links := make([]*peerLink, 0, len(sw.links))
	for _, l := range sw.links {
		links = append(links, l)
	}
	sw.mu.Unlock()

	bfs := make([]pp.BitField, 0, len(links))
	for _, l := range links {
		bfs = append(bfs, l.snapshotBitfield())
	}
	return bfs
}

// cancelBlock tells the named peer's link to cancel its duplicate request
// for the block.
func (sw *swarm) cancelBlock(peer string, b piece.Block) {
	sw.mu.Lock()
	l, ok := sw.links[peer]
	sw.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	_, outstanding := l.outstanding[blockKey{index: b.Index, begin: b.Begin}]
	if outstanding {
		delete(l.outstanding, blockKey{index: b.Index, begin: b.Begin})
	}
	l.mu.Unlock()

	if outstanding {
		if err := l.conn.SendCancel(b.Index, b.Begin, b.Length); err != nil {
			l.log.WithError(err).Debug("sending cancel")
		}
	}
}

// broadcastHave announces a newly verified piece to every connected peer.
func (sw *swarm) broadcastHave(index uint32) {
	sw.mu.Lock()
	links := make([]*peerLink, 0, len(sw.links))
	for _, l := range sw.links {
		links = append(links, l)
	}
	sw.mu.Unlock()

	for _, l := range links {
		if err := l.conn.SendHave(index); err != nil {
			l.log.WithError(err).Debug("sending have")
		}
	}
}

func (sw *swarm) peerCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.links)
}

func (sw *swarm) chokeLoop(ctx context.Context) {
	defer sw.s.wg.Done()
	ticker := time.NewTicker(sw.s.conf.ChokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.chokeTick()
		}
	}
}

// chokeTick evaluates the choking policy: the top UnchokeSlots peers by
// smoothed rate are unchoked, plus one rotating optimistic unchoke to
// discover better peers; everybody else is choked. At most UnchokeSlots+1
// peers are unchoked at any instant.
func (sw *swarm) chokeTick() {
	interval := sw.s.conf.ChokeInterval.Seconds()

	sw.mu.Lock()
	links := make([]*peerLink, 0, len(sw.links))
	for _, l := range sw.links {
		links = append(links, l)
	}
	sw.round++
	rotate := sw.round%sw.s.conf.OptimisticRounds == 1 || sw.optimist == ""
	sw.mu.Unlock()

	rankByRate(links, sw.s.State() == StateSeeding, interval)

	unchoked := make(map[string]bool, sw.s.conf.UnchokeSlots+1)
	for i := 0; i < len(links) && i < sw.s.conf.UnchokeSlots; i++ {
		unchoked[links[i].addr] = true
	}

	// Optimistic slot: one randomly chosen peer outside the ranked set.
	sw.mu.Lock()
	if rotate {
		var candidates []string
		for addr := range sw.links {
			if !unchoked[addr] {
				candidates = append(candidates, addr)
			}
		}
		if len(candidates) > 0 {
			sw.optimist = candidates[rand.Intn(len(candidates))]
		} else {
			sw.optimist = ""
		}
	}
	if sw.optimist != "" {
		unchoked[sw.optimist] = true
	}
	sw.mu.Unlock()

	for _, l := range links {
		l.setChoked(!unchoked[l.addr])
	}
}

// rankByRate folds each link's byte delta since the last tick into its
// smoothed rate and sorts the links fastest first. Download rate ranks
// while leeching; upload rate ranks while seeding, so the regular slots
// follow the peers actually draining pieces.
func rankByRate(links []*peerLink, seeding bool, interval float64) {
	for _, l := range links {
		down, up := l.takeDownloaded(), l.takeUploaded()
		delta := down
		if seeding {
			delta = up
		}
		l.rate = 0.7*l.rate + 0.3*float64(delta)/interval
	}
	sort.Slice(links, func(i, j int) bool { return links[i].rate > links[j].rate })
}

// closeAll refuses further registrations and closes every link's
// connection; the read loops notice and unwind through removeLink.
func (sw *swarm) closeAll() {
	sw.mu.Lock()
	sw.closed = true
	links := make([]*peerLink, 0, len(sw.links))
	for _, l := range sw.links {
		links = append(links, l)
	}
	sw.mu.Unlock()

	for _, l := range links {
		l.conn.Close()
	}
}
