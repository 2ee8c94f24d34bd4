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
	"fmt"
	"net"
	"time"

	pp "github.com/medialib/bt/peerprotocol"
)

// inboundHandshakeTimeout bounds how long an accepted connection may take
// to present its handshake frame before it is dropped.
const inboundHandshakeTimeout = 10 * time.Second

// listen binds the peer port announced to trackers and starts accepting
// inbound peer connections on it.
func (e *Engine) listen() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.conf.ListenPort))
	if err != nil {
		e.log.WithField("port", e.conf.ListenPort).WithError(err).
			Error("peer port not bound, inbound peers disabled")
		return
	}

	e.ln = ln
	e.lnWG.Add(1)
	go e.acceptLoop()
}

// acceptLoop accepts inbound peer connections until the listener closes.
func (e *Engine) acceptLoop() {
	defer e.lnWG.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.lnWG.Add(1)
		go func() {
			defer e.lnWG.Done()
			e.handleInbound(conn)
		}()
	}
}

// handleInbound reads the remote handshake, matches its content
// identifier to an active session, answers the handshake and hands the
// connection to that session's swarm. Connections for unknown or inactive
// torrents are dropped without an answer.
func (e *Engine) handleInbound(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(inboundHandshakeTimeout))
	in, err := pp.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	s, ok := e.Session(in.InfoHash)
	if !ok || !s.active() {
		e.log.WithField("peer", conn.RemoteAddr().String()).
			WithField("infohash", in.InfoHash.HexString()).
			Debug("inbound peer for inactive torrent")
		conn.Close()
		return
	}

	pc := pp.NewPeerConn(conn, e.conf.ID, in.InfoHash)
	if err = pc.AnswerHandshake(in); err != nil {
		s.log.WithField("peer", conn.RemoteAddr().String()).WithError(err).
			Debug("answering inbound handshake")
		pc.Close()
		return
	}
	s.swarm.register(s.ctx, pc)
}
