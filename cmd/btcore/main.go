// Command btcore is a thin demonstration entrypoint: it resolves a
// .torrent file or a magnet link to its fingerprint and swarm hints,
// and announces once to the DHT bootstrap network and/or a tracker to
// report how many peers are reachable. It does not drive a download —
// wiring the core packages into a full client (disk persistence, a
// session loop, progress reporting) is left to an embedding
// application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adrianmoreno/btcore/dht"
	"github.com/adrianmoreno/btcore/magnet"
	"github.com/adrianmoreno/btcore/metainfo"
	"github.com/adrianmoreno/btcore/tracker"
	"github.com/adrianmoreno/btcore/utils"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s <torrent-file|magnet-link>

Resolves the given torrent file or magnet link and reports its
fingerprint, trackers, and how many peers are reachable right now.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}

	log := logrus.WithField("component", "cmd/btcore")
	input := flag.Arg(0)
	peerID := utils.PeerID()

	var fingerprint [20]byte
	var announceURLs []string

	if strings.HasPrefix(input, "magnet:") {
		link, err := magnet.Parse(input)
		if err != nil {
			log.WithError(err).Fatal("parsing magnet link")
		}
		fingerprint = link.InfoHash
		for _, tr := range link.Trackers {
			announceURLs = append(announceURLs, tr.String())
		}
		fmt.Printf("magnet: %s (%x)\n", link.DisplayNameOrHash(), link.InfoHash)
	} else {
		data, err := os.ReadFile(input)
		if err != nil {
			log.WithError(err).Fatal("reading torrent file")
		}
		t, err := metainfo.Parse(data)
		if err != nil {
			log.WithError(err).Fatal("parsing torrent file")
		}
		fingerprint = t.Fingerprint
		if t.Announce != "" {
			announceURLs = append(announceURLs, t.Announce)
		}
		fmt.Printf("torrent: %s (%x), %d piece(s), %d byte(s)\n",
			t.Name, t.Fingerprint, t.NumPieces(), t.TotalLength())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, url := range announceURLs {
		res, err := tracker.Announce(url, tracker.AnnounceRequest{
			InfoHash: fingerprint,
			PeerID:   peerID,
			Port:     6881,
			Compact:  true,
		})
		if err != nil {
			log.WithError(err).WithField("tracker", url).Warn("announce failed")
			continue
		}
		fmt.Printf("tracker %s: %d peer(s), reannounce in %ds\n", url, len(res.Peers), res.Interval)
	}

	node, err := dht.New(dht.Config{})
	if err != nil {
		log.WithError(err).Fatal("starting DHT node")
	}
	if err := node.Start(ctx); err != nil {
		log.WithError(err).Fatal("starting DHT node")
	}
	defer node.Stop()

	node.Bootstrap(ctx)
	peers, err := node.Lookup(ctx, fingerprint)
	if err != nil {
		log.WithError(err).Warn("DHT lookup failed")
	}
	fmt.Printf("dht: %d peer(s) found\n", len(peers))
}
