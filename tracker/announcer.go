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

package tracker

import (
	"context"
	"log"
	"net/url"
	"time"

	"github.com/medialib/bt/metainfo"
)

// Stats supplies the live byte counters carried by each announce.
type Stats func() (uploaded, downloaded, left int64)

// degradedAfter is the number of consecutive failed passes over the whole
// tracker list before OnDegraded fires. A single failed pass is routine
// on flaky trackers and not worth surfacing.
const degradedAfter = 2

// AnnouncerConfig is used to configure the Announcer.
type AnnouncerConfig struct {
	// Trackers is the ordered tracker URL list. URLs with unsupported
	// schemes are skipped with a log line.
	Trackers []string

	// InfoHash is the content identifier announced for.
	InfoHash metainfo.Hash

	// ID is the id of the local peer.
	ID metainfo.Hash

	// Port is the local listening port reported to the tracker.
	Port uint16

	// Stats supplies the uploaded/downloaded/left counters per announce.
	Stats Stats

	// MinInterval floors the tracker-dictated re-announce interval.
	// The default is 1 minute.
	MinInterval time.Duration

	// DefaultInterval is used when the tracker does not dictate one.
	// The default is 30 minutes.
	DefaultInterval time.Duration

	// BackoffBase and BackoffMax bound the exponential retry backoff
	// applied when every tracker fails. The defaults are 15s and 15m.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnDegraded, if set, is called with the number of consecutive failed
	// passes once full passes over all trackers keep failing; a single
	// failed pass is not reported. Tracker failure is never fatal; this
	// only reports the degraded state.
	OnDegraded func(consecutiveFailures int)

	// ErrorLog is used to log the error.
	//
	// The default is log.Printf.
	ErrorLog func(format string, args ...interface{})
}

func (c *AnnouncerConfig) set() {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Minute
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 30 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 15 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.Stats == nil {
		c.Stats = func() (int64, int64, int64) { return 0, 0, 0 }
	}
	if c.ErrorLog == nil {
		c.ErrorLog = log.Printf
	}
}

// Announcer runs the announce lifecycle against a tracker list: an initial
// "started", periodic re-announces at the tracker-dictated interval,
// event announces on lifecycle transitions, and a final "stopped".
//
// A failing tracker falls through to the next one in the list; when the
// whole list fails, the announcer backs off exponentially and retries.
type Announcer struct {
	conf    AnnouncerConfig
	clients []*Client
	good    int // index of the last tracker that answered

	peers    chan metainfo.Address
	events   chan string
	failures int
}

// NewAnnouncer returns a new Announcer.
//
// normalizeTrackerURLs gives bare host URLs the conventional /announce
// path before clients are built.
func NewAnnouncer(conf AnnouncerConfig) (*Announcer, error) {
	conf.set()
	normalizeTrackerURLs(conf.Trackers)

	a := &Announcer{
		conf:   conf,
		peers:  make(chan metainfo.Address, 256),
		events: make(chan string, 4),
	}
	for _, u := range conf.Trackers {
		client, err := NewClient(u, ClientConfig{ID: conf.ID, ErrorLog: conf.ErrorLog})
		if err != nil {
			conf.ErrorLog("skipping tracker %q: %s", u, err)
			continue
		}
		a.clients = append(a.clients, client)
	}
	return a, nil
}

// normalizeTrackerURLs ensures all tracker URLs have the proper /announce path.
func normalizeTrackerURLs(trackers []string) {
	for i, t := range trackers {
		if u, err := url.Parse(t); err == nil && u.Path == "" {
			u.Path = "/announce"
			trackers[i] = u.String()
		}
	}
}

// Peers returns the channel of the candidate addresses produced by the
// announces.
func (a *Announcer) Peers() <-chan metainfo.Address { return a.peers }

// TriggerEvent queues an event announce ("completed" on the download
// finishing, or an empty routine announce to refresh the peer list).
func (a *Announcer) TriggerEvent(event string) {
	select {
	case a.events <- event:
	default:
	}
}

// Run drives the announce loop until ctx is canceled, then sends the
// final "stopped" announce on a detached short-lived context.
//
// Run returns immediately when no usable tracker is configured; the
// session keeps downloading with whatever peers it already has.
func (a *Announcer) Run(ctx context.Context) {
	if len(a.clients) == 0 {
		a.conf.ErrorLog("no usable tracker for %s", a.conf.InfoHash.HexString())
		return
	}

	interval := a.announce(ctx, EventStarted)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.announceOnce(stopCtx, EventStopped)
			cancel()
			return
		case event := <-a.events:
			interval = a.announce(ctx, event)
		case <-timer.C:
			interval = a.announce(ctx, EventNone)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// announce runs one pass and returns the delay before the next one,
// applying the exponential backoff when the whole tracker list failed.
func (a *Announcer) announce(ctx context.Context, event string) time.Duration {
	resp, ok := a.announceOnce(ctx, event)
	if !ok {
		a.failures++
		if a.failures >= degradedAfter && a.conf.OnDegraded != nil {
			a.conf.OnDegraded(a.failures)
		}
		backoff := a.conf.BackoffBase << uint(a.failures-1)
		if backoff > a.conf.BackoffMax || backoff <= 0 {
			backoff = a.conf.BackoffMax
		}
		return backoff
	}

	a.failures = 0
	for _, addr := range resp.Peers {
		select {
		case a.peers <- addr:
		default:
			// Candidate queue full; the swarm is saturated anyway.
		}
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = a.conf.DefaultInterval
	}
	if interval < a.conf.MinInterval {
		interval = a.conf.MinInterval
	}
	return interval
}

// announceOnce tries each tracker from the last good one onward and
// reports whether any of them answered.
func (a *Announcer) announceOnce(ctx context.Context, event string) (AnnounceResponse, bool) {
	uploaded, downloaded, left := a.conf.Stats()
	req := AnnounceRequest{
		InfoHash:   a.conf.InfoHash,
		PeerID:     a.conf.ID,
		Port:       a.conf.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
	}

	for i := 0; i < len(a.clients); i++ {
		idx := (a.good + i) % len(a.clients)
		resp, err := a.clients[idx].Announce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return AnnounceResponse{}, false
			}
			a.conf.ErrorLog("announce to %q failed: %s", a.clients[idx].URL(), err)
			continue
		}
		a.good = idx
		return resp, true
	}
	return AnnounceResponse{}, false
}
