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
	"sync"

	"github.com/medialib/bt/metainfo"
)

// GetPeersResult represents the result of getting the peers from one tracker.
type GetPeersResult struct {
	Error   error // nil stands for success. Or, for failure.
	Tracker string
	Resp    AnnounceResponse
}

// GetPeers queries every tracker concurrently for peers of the torrent
// and returns one result per tracker. It is a one-shot scatter used to
// seed the swarm quickly before the periodic Announcer takes over.
func GetPeers(ctx context.Context, id, infohash metainfo.Hash, trackers []string) []GetPeersResult {
	if len(trackers) == 0 {
		return nil
	}

	normalizeTrackerURLs(trackers)

	workerCount := len(trackers)
	if workerCount > 10 {
		workerCount = 10
	}

	reqs := make(chan string, len(trackers))
	for _, t := range trackers {
		reqs <- t
	}
	close(reqs)

	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		results = make([]GetPeersResult, 0, len(trackers))
	)
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for t := range reqs {
				resp, err := getPeers(ctx, t, id, infohash)
				lock.Lock()
				results = append(results, GetPeersResult{
					Tracker: t,
					Error:   err,
					Resp:    resp,
				})
				lock.Unlock()
			}
		}()
	}

	wg.Wait()
	return results
}

func getPeers(ctx context.Context, tracker string,
	nodeID, infoHash metainfo.Hash) (resp AnnounceResponse, err error) {
	client, err := NewClient(tracker, ClientConfig{ID: nodeID})
	if err == nil {
		resp, err = client.Announce(ctx, AnnounceRequest{InfoHash: infoHash})
	}
	return
}
