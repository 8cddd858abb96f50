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

// Command maelstrom downloads one torrent, from a torrent file or a magnet
// link with an exact source, discovering peers via the DHT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maelstrom-p2p/maelstrom/core"
	"github.com/maelstrom-p2p/maelstrom/lib/dht"
	"github.com/maelstrom-p2p/maelstrom/lib/metainfo"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/scheduler"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage/filestorage"
	"github.com/maelstrom-p2p/maelstrom/lib/torrent/storage/gcsbackend"
	"github.com/maelstrom-p2p/maelstrom/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Exit codes: 0 success, 2 bad user input, 1 everything else.
const (
	exitOK       = 0
	exitFailure  = 1
	exitBadInput = 2
)

// Flags defines maelstrom CLI flags.
type Flags struct {
	ConfigFile string
	OutputDir  string
	GCSBucket  string
	Verbose    bool
}

// ParseFlags parses CLI flags. The single positional argument is a torrent
// file path or a magnet link.
func ParseFlags() *Flags {
	var flags Flags
	flag.StringVar(&flags.ConfigFile, "config", "", "configuration file path")
	flag.StringVar(&flags.OutputDir, "output", "", "download directory, overrides config")
	flag.StringVar(&flags.GCSBucket, "gcs-bucket", "", "stream the download into a GCS bucket instead of local files")
	flag.BoolVar(&flags.Verbose, "verbose", false, "enable debug logging")
	flag.Parse()
	return &flags
}

func main() {
	os.Exit(run(ParseFlags(), flag.Arg(0)))
}

func run(flags *Flags, input string) int {
	zapConfig := zap.NewProductionConfig()
	if flags.Verbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger := log.ConfigureLogger(zapConfig)
	defer logger.Sync()

	if input == "" {
		log.Error("Usage: maelstrom [flags] <torrent file | magnet link>")
		return exitBadInput
	}
	config, err := loadConfig(flags.ConfigFile)
	if err != nil {
		log.Errorf("Error loading config: %s", err)
		return exitBadInput
	}
	if flags.OutputDir != "" {
		config.DownloadDir = flags.OutputDir
	}

	mi, err := resolveMetaInfo(input)
	if err != nil {
		log.Errorf("Error reading metainfo: %s", err)
		return exitBadInput
	}
	log.Infof("Downloading %s (%s, %d pieces)", mi.Info.Name, mi.InfoHash(), mi.Info.NumPieces())

	stats := tally.NoopScope
	clk := clock.New()

	backend, err := buildBackend(flags, config)
	if err != nil {
		log.Errorf("Error building storage backend: %s", err)
		return exitFailure
	}
	resumes, err := storage.NewResumeStore(config.ResumeDir)
	if err != nil {
		log.Errorf("Error opening resume store: %s", err)
		return exitFailure
	}
	peerID, err := core.RandomPeerID()
	if err != nil {
		log.Errorf("Error generating peer id: %s", err)
		return exitFailure
	}

	node, err := dht.New(config.DHT, stats, clk, logger)
	if err != nil {
		log.Errorf("Error starting DHT node: %s", err)
		return exitFailure
	}
	defer node.Close()

	s := scheduler.New(
		config.Scheduler,
		stats,
		clk,
		storage.NewTorrent(mi),
		backend,
		resumes,
		peerID,
		logger,
		scheduler.WithDHTPortHandler(func(ip net.IP, port int) {
			// Pings block on the query round trip; keep the scheduler loop
			// out of it.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				node.AddNode(ctx, &net.UDPAddr{IP: ip, Port: port})
			}()
		}))
	if err := s.Start(); err != nil {
		log.Errorf("Error starting scheduler: %s", err)
		return exitFailure
	}
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go discoverPeers(ctx, node, s, mi.InfoHash())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-s.Complete():
		log.Infof("Download complete: %s", mi.Info.Name)
		return exitOK
	case sig := <-sigc:
		log.Infof("Received %s, shutting down", sig)
		s.Stop()
		if err := s.Err(); err != nil {
			return exitFailure
		}
		return exitOK
	}
}

// resolveMetaInfo loads metainfo from a torrent file or, for magnet links,
// from the exact-source URL. Magnets without an exact source would need
// metadata exchange, which this client does not speak.
func resolveMetaInfo(input string) (*metainfo.MetaInfo, error) {
	if !metainfo.IsMagnetLink(input) {
		return metainfo.NewFromFile(input)
	}
	m, err := metainfo.ParseMagnet(input)
	if err != nil {
		return nil, err
	}
	for _, xs := range m.ExactSources {
		mi, err := fetchMetaInfo(xs)
		if err != nil {
			log.Warnf("Error fetching exact source %s: %s", xs, err)
			continue
		}
		if mi.InfoHash() != m.InfoHash {
			log.Warnf("Exact source %s info hash mismatch", xs)
			continue
		}
		return mi, nil
	}
	return nil, fmt.Errorf("magnet link for %s has no usable exact source", m.InfoHash)
}

func fetchMetaInfo(url string) (*metainfo.MetaInfo, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return metainfo.New(resp.Body)
}

func buildBackend(flags *Flags, config Config) (storage.Backend, error) {
	if flags.GCSBucket != "" {
		config.GCS.Bucket = flags.GCSBucket
	}
	if config.GCS.Bucket != "" {
		return gcsbackend.New(context.Background(), config.GCS)
	}
	return filestorage.New(config.DownloadDir), nil
}

// discoverPeers periodically crawls the DHT for peers and feeds them to the
// scheduler, announcing our presence once bootstrapped.
func discoverPeers(
	ctx context.Context, node *dht.DHT, s *scheduler.Scheduler, h core.InfoHash) {

	if err := node.Bootstrap(ctx); err != nil {
		log.Warnf("DHT bootstrap: %s", err)
	}
	for {
		peers, err := node.Lookup(ctx, h)
		if err != nil {
			log.Debugf("DHT lookup: %s", err)
		} else if len(peers) > 0 {
			log.Infof("DHT returned %d peers", len(peers))
			s.AddPeers(peers...)
		}
		if err := node.Announce(ctx, h, node.Port()); err != nil {
			log.Debugf("DHT announce: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}
