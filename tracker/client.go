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

// Package tracker implements the HTTP tracker announce protocol and the
// periodic re-announce loop feeding candidate peer addresses to the swarm.
package tracker

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/medialib/bt/metainfo"
)

// Announce events reported to the tracker on lifecycle transitions.
const (
	EventNone      = ""
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// ErrTrackerFailure is returned when the tracker answers with an explicit
// failure reason instead of a peer list.
var ErrTrackerFailure = errors.New("tracker failure")

// AnnounceRequest is one announce to the tracker.
type AnnounceRequest struct {
	InfoHash metainfo.Hash
	PeerID   metainfo.Hash

	// Port is the local listening port reported to the tracker.
	Port uint16

	Uploaded   int64
	Downloaded int64
	Left       int64

	// Event is one of the Event* constants; empty for a routine announce.
	Event string

	// NumWant is the number of peers wanted; 0 uses the config default.
	NumWant int
}

// AnnounceResponse is the parsed tracker answer.
type AnnounceResponse struct {
	// Interval is the re-announce interval dictated by the tracker.
	Interval time.Duration

	// Peers is the candidate peer address list.
	Peers []metainfo.Address
}

// ClientConfig is used to configure the tracker Client.
type ClientConfig struct {
	// ID is the id of the local peer.
	//
	// The default is a random id.
	ID metainfo.Hash

	// HTTPClient is used to send the announce requests.
	//
	// The default has a timeout of 30 seconds.
	HTTPClient *http.Client

	// NumWant is the default number of peers to ask for. The default is 50.
	NumWant int

	// ErrorLog is used to log the error.
	//
	// The default is log.Printf.
	ErrorLog func(format string, args ...interface{})
}

func (c *ClientConfig) set(conf ...ClientConfig) {
	if len(conf) > 0 {
		*c = conf[0]
	}

	if c.ID.IsZero() {
		c.ID = metainfo.NewRandomHash()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.NumWant <= 0 {
		c.NumWant = 50
	}
	if c.ErrorLog == nil {
		c.ErrorLog = log.Printf
	}
}

// Client announces to a single HTTP tracker.
type Client struct {
	conf ClientConfig
	url  *url.URL
}

// NewClient returns a new tracker Client for the announce URL rawurl.
//
// Only the http and https schemes are supported.
func NewClient(rawurl string, conf ...ClientConfig) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing tracker url %q", rawurl)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported tracker scheme %q", u.Scheme)
	}

	c := &Client{url: u}
	c.conf.set(conf...)
	return c, nil
}

// URL returns the announce URL of the tracker.
func (c *Client) URL() string { return c.url.String() }

// Announce sends one announce carrying the content identifier, the
// listening port and the byte counters, and parses the compact peer list
// out of the bencoded response.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (resp AnnounceResponse, err error) {
	if req.PeerID.IsZero() {
		req.PeerID = c.conf.ID
	}
	numWant := req.NumWant
	if numWant <= 0 {
		numWant = c.conf.NumWant
	}

	q := url.Values{}
	q.Set("info_hash", req.InfoHash.BytesString())
	q.Set("peer_id", req.PeerID.BytesString())
	q.Set("port", strconv.FormatUint(uint64(req.Port), 10))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(numWant))
	if req.Event != EventNone {
		q.Set("event", req.Event)
	}

	u := *c.url
	if u.RawQuery == "" {
		u.RawQuery = q.Encode()
	} else {
		u.RawQuery += "&" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return resp, errors.Wrap(err, "building announce request")
	}

	httpResp, err := c.conf.HTTPClient.Do(httpReq)
	if err != nil {
		return resp, errors.Wrapf(err, "announcing to %q", c.url)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return resp, errors.Errorf("tracker %q answered status %s", c.url, httpResp.Status)
	}

	return parseAnnounceResponse(httpResp.Body)
}

func parseAnnounceResponse(r io.Reader) (resp AnnounceResponse, err error) {
	v, err := bencode.Decode(r)
	if err != nil {
		return resp, errors.Wrap(err, "decoding announce response")
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return resp, errors.New("announce response is not a dictionary")
	}

	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return resp, errors.Wrap(ErrTrackerFailure, reason)
	}

	if interval, ok := dict["interval"].(int64); ok && interval > 0 {
		resp.Interval = time.Duration(interval) * time.Second
	}

	switch peers := dict["peers"].(type) {
	case nil:
	case string:
		resp.Peers, err = metainfo.ParseCompactAddresses([]byte(peers))
		if err != nil {
			return resp, err
		}
	case []interface{}:
		// Non-compact fallback: a list of {"ip", "port"} dictionaries.
		for _, e := range peers {
			peer, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := peer["ip"].(string)
			port, _ := peer["port"].(int64)
			if ip := net.ParseIP(ipStr); ip != nil && port > 0 && port <= 65535 {
				resp.Peers = append(resp.Peers, metainfo.NewAddress(ip, uint16(port)))
			}
		}
	default:
		return resp, errors.Errorf("unexpected peers type %T", peers)
	}

	return resp, nil
}
