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

// Package engine composes the metainfo, piece, tracker and storage layers
// into per-torrent download sessions: it owns the swarm of peer links, the
// choking policy and the session lifecycle with its persisted checkpoints.
package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medialib/bt/metainfo"
)

// Config is used to configure the Engine and its sessions.
type Config struct {
	// ID is the id of the local peer.
	//
	// The default is a random id.
	ID metainfo.Hash

	// DownloadDir is the default save location of the sessions.
	//
	// The default is ".".
	DownloadDir string

	// ResumePath is the path of the resume database.
	//
	// The default is "<DownloadDir>/resume.db".
	ResumePath string

	// ListenPort is the local peer port reported to the tracker.
	//
	// The default is 6881.
	ListenPort uint16

	// MaxPeers is the maximum number of concurrent peer links per session.
	//
	// The default is 50.
	MaxPeers int

	// MaxPipeline bounds the outstanding requests per peer link.
	//
	// The default is 8.
	MaxPipeline int

	// DialWorkers is the number of concurrent dialers per session.
	//
	// The default is 16.
	DialWorkers int

	// DialTimeout is the timeout used by dialing to the peer on TCP.
	//
	// The default is 10 seconds.
	DialTimeout time.Duration

	// ChokeInterval is the period of the choking policy evaluation.
	//
	// The default is 10 seconds.
	ChokeInterval time.Duration

	// UnchokeSlots is the number of peers unchoked by download rate;
	// one more optimistic slot rotates on top of it.
	//
	// The default is 4.
	UnchokeSlots int

	// OptimisticRounds is the number of choke rounds between optimistic
	// unchoke rotations.
	//
	// The default is 3.
	OptimisticRounds int

	// SuspectThreshold is the number of hash-verification failures a peer
	// may contribute to before it is disconnected.
	//
	// The default is 3.
	SuspectThreshold int

	// CheckpointPieces is the number of verified pieces between periodic
	// checkpoints of the resume record.
	//
	// The default is 8.
	CheckpointPieces int

	// KeepaliveInterval is the period of the outbound keep-alive frames.
	//
	// The default is 2 minutes.
	KeepaliveInterval time.Duration

	// Seed keeps a completed session serving pieces instead of stopping.
	Seed bool

	// Logger is used for structured logging.
	//
	// The default is logrus.StandardLogger().
	Logger *logrus.Logger
}

func (c *Config) set(conf ...Config) {
	if len(conf) > 0 {
		*c = conf[0]
	}

	if c.ID.IsZero() {
		c.ID = metainfo.NewRandomHash()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 50
	}
	if c.MaxPipeline <= 0 {
		c.MaxPipeline = 8
	}
	if c.DialWorkers <= 0 {
		c.DialWorkers = 16
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ChokeInterval <= 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.UnchokeSlots <= 0 {
		c.UnchokeSlots = 4
	}
	if c.OptimisticRounds <= 0 {
		c.OptimisticRounds = 3
	}
	if c.SuspectThreshold <= 0 {
		c.SuspectThreshold = 3
	}
	if c.CheckpointPieces <= 0 {
		c.CheckpointPieces = 8
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}
