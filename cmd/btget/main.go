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

// btget downloads one torrent from the command line.
//
//	btget [options] FILE.torrent
//	btget [options] -resume INFOHASH
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"

	"github.com/medialib/bt/engine"
	"github.com/medialib/bt/metainfo"
)

var (
	dir      = flag.String("dir", ".", "download directory")
	files    = flag.String("files", "", "comma-separated file indexes to download (default all)")
	seed     = flag.Bool("seed", false, "keep seeding after the download completes")
	resume   = flag.String("resume", "", "resume the torrent with the given infohash instead of reading a descriptor")
	progress = flag.Bool("progress", true, "show the progress bar")
	verbose  = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 && *resume == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if *progress {
		// Keep routine log lines from tearing the progress bar.
		logger.SetLevel(logrus.ErrorLevel)
	}

	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, "btget:", err)
		os.Exit(1)
	}
}

func run(logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(engine.Config{
		DownloadDir: *dir,
		Seed:        *seed,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := startSession(ctx, e)
	if err != nil {
		return err
	}

	events, unsubscribe := s.Subscribe(64)
	defer unsubscribe()

	var bar *uiprogress.Bar
	if *progress {
		bar = progressBar(s)
		defer uiprogress.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case engine.EventPieceVerified:
				if bar != nil {
					bar.Set(ev.VerifiedPieces)
				}
			case engine.EventCompleted:
				if bar != nil {
					bar.Set(ev.TotalPieces)
				}
				if !*seed {
					return nil
				}
			case engine.EventFailed:
				return ev.Err
			}
		}
	}
}

func startSession(ctx context.Context, e *engine.Engine) (*engine.Session, error) {
	if *resume != "" {
		infohash, err := metainfo.NewHashFromString(*resume)
		if err != nil {
			return nil, err
		}
		return e.ResumeTorrent(ctx, infohash)
	}

	mi, err := metainfo.LoadFromFile(flag.Arg(0))
	if err != nil {
		return nil, err
	}
	wanted, err := parseFileSelection(*files, len(mi.Info().Files))
	if err != nil {
		return nil, err
	}
	return e.StartTorrent(ctx, mi, wanted, *dir)
}

// parseFileSelection turns "0,2,5" into a selection mask; "" selects all.
func parseFileSelection(s string, numFiles int) ([]bool, error) {
	if s == "" {
		return nil, nil
	}
	wanted := make([]bool, numFiles)
	for _, part := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || i < 0 || i >= numFiles {
			return nil, fmt.Errorf("bad file index %q (torrent has %d files)", part, numFiles)
		}
		wanted[i] = true
	}
	return wanted, nil
}

func progressBar(s *engine.Session) *uiprogress.Bar {
	uiprogress.Start()
	stats := s.Stats()
	bar := uiprogress.AddBar(stats.TotalPieces)
	bar.Set(stats.VerifiedPieces)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		st := s.Stats()
		return "pieces: " + strconv.Itoa(st.VerifiedPieces) + "/" + strconv.Itoa(st.TotalPieces)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(s.Stats().Peers)
	})
	bar.AppendElapsed()
	return bar
}
