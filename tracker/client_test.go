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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

func compactPeers(addrs ...metainfo.Address) string {
	var b []byte
	for _, a := range addrs {
		c, _ := a.Compact()
		b = append(b, c...)
	}
	return string(b)
}

func TestClientAnnounce(t *testing.T) {
	infohash := metainfo.NewRandomHash()
	peerID := metainfo.NewRandomHash()

	peers := compactPeers(
		metainfo.NewAddress([]byte{192, 168, 1, 10}, 6881),
		metainfo.NewAddress([]byte{10, 0, 0, 1}, 51413),
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("info_hash"); got != infohash.BytesString() {
			t.Errorf("info_hash: got %x", got)
		}
		if got := q.Get("peer_id"); got != peerID.BytesString() {
			t.Errorf("peer_id: got %x", got)
		}
		if q.Get("port") != "6881" || q.Get("compact") != "1" {
			t.Errorf("query: %v", q)
		}
		if q.Get("event") != EventStarted {
			t.Errorf("event: got %q", q.Get("event"))
		}
		if q.Get("left") != "12345" {
			t.Errorf("left: got %q", q.Get("left"))
		}
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Announce(context.Background(), AnnounceRequest{
		InfoHash: infohash,
		PeerID:   peerID,
		Port:     6881,
		Left:     12345,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Errorf("interval: got %s", resp.Interval)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("peers: got %d, want 2", len(resp.Peers))
	}
	if got := resp.Peers[0].String(); got != "192.168.1.10:6881" {
		t.Errorf("first peer: got %q", got)
	}
	if got := resp.Peers[1].String(); got != "10.0.0.1:51413" {
		t.Errorf("second peer: got %q", got)
	}
}

func TestClientAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason15:unknown torrente")
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Announce(context.Background(), AnnounceRequest{})
	if err == nil {
		t.Fatalf("announce succeeded against a refusing tracker")
	}
	if !errors.Is(err, ErrTrackerFailure) {
		t.Errorf("error %v does not wrap ErrTrackerFailure", err)
	}
}

func TestClientAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e5:peersld2:ip12:192.168.1.204:porti6881eeee")
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	resp, err := client.Announce(context.Background(), AnnounceRequest{})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "192.168.1.20:6881" {
		t.Errorf("peers: got %v", resp.Peers)
	}
}

func TestNewClientRejectsUnsupportedScheme(t *testing.T) {
	if _, err := NewClient("udp://tracker.example.com:6969/announce"); err == nil {
		t.Errorf("accepted a udp tracker")
	}
}

func TestGetPeers(t *testing.T) {
	peers := compactPeers(metainfo.NewAddress([]byte{10, 0, 0, 5}, 6881))
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()

	results := GetPeers(context.Background(), metainfo.NewRandomHash(), metainfo.NewRandomHash(),
		[]string{good.URL + "/announce", bad.URL + "/announce"})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	var ok, failed int
	for _, res := range results {
		if res.Error != nil {
			failed++
			continue
		}
		ok++
		if len(res.Resp.Peers) != 1 || res.Resp.Peers[0].String() != "10.0.0.5:6881" {
			t.Errorf("peers from %q: %v", res.Tracker, res.Resp.Peers)
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want one of each", ok, failed)
	}
}

func TestAnnouncerFallsThroughTrackers(t *testing.T) {
	infohash := metainfo.NewRandomHash()

	var badCalls, goodCalls int
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()

	peers := compactPeers(metainfo.NewAddress([]byte{10, 0, 0, 9}, 6881))
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls++
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer good.Close()

	a, err := NewAnnouncer(AnnouncerConfig{
		Trackers: []string{bad.URL + "/announce", good.URL + "/announce"},
		InfoHash: infohash,
		ID:       metainfo.NewRandomHash(),
		Port:     6881,
		ErrorLog: func(format string, args ...interface{}) {},
	})
	if err != nil {
		t.Fatalf("NewAnnouncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	select {
	case addr := <-a.Peers():
		if addr.String() != "10.0.0.9:6881" {
			t.Errorf("peer: got %q", addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no peer produced within 5s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("announcer did not stop")
	}

	if badCalls == 0 || goodCalls == 0 {
		t.Errorf("tracker calls: bad=%d good=%d, want both tried", badCalls, goodCalls)
	}
}

// A single failed pass over the tracker list is routine and must not
// surface the degraded state; repeated failures must.
func TestAnnouncerDegradedThreshold(t *testing.T) {
	var passes atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		passes.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()

	var mu sync.Mutex
	var reported []int
	a, err := NewAnnouncer(AnnouncerConfig{
		Trackers:    []string{bad.URL + "/announce"},
		InfoHash:    metainfo.NewRandomHash(),
		ID:          metainfo.NewRandomHash(),
		Port:        6881,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		OnDegraded: func(n int) {
			mu.Lock()
			reported = append(reported, n)
			mu.Unlock()
		},
		ErrorLog: func(format string, args ...interface{}) {},
	})
	if err != nil {
		t.Fatalf("NewAnnouncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for passes.Load() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("tracker refused only %d passes within 5s", passes.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(reported) == 0 {
		t.Fatalf("degraded state never reported")
	}
	for _, n := range reported {
		if n < degradedAfter {
			t.Errorf("degraded reported after %d failed passes, want at least %d",
				n, degradedAfter)
		}
	}
}
