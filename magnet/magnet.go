// Package magnet parses BEP 9 magnet URIs into their constituent
// tracker/peer/webseed hints.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Link is a parsed magnet URI.
type Link struct {
	InfoHash      [20]byte   // xt: exact topic
	DisplayName   string     // dn
	Trackers      []*url.URL // tr
	PeerAddresses []string   // x.pe (BEP 9)
	WebSeeds      []string   // ws (BEP 19)
	ExactSource   string     // xs
}

// Parse parses a magnet URI. The "xt" parameter (a urn:btih: info hash,
// hex- or base32-encoded) is the only required component.
func Parse(raw string) (*Link, error) {
	if !strings.HasPrefix(raw, "magnet:?") {
		return nil, errors.New("magnet: link must start with \"magnet:?\"")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "magnet: parsing URI")
	}
	query := u.Query()

	hash, err := parseInfoHash(query)
	if err != nil {
		return nil, err
	}

	name := ""
	if dn := query["dn"]; len(dn) > 0 {
		name = dn[0]
	}

	var trackers []*url.URL
	for _, t := range query["tr"] {
		if tu, err := url.Parse(t); err == nil {
			trackers = append(trackers, tu)
		}
	}

	exactSource := ""
	if xs := query["xs"]; len(xs) > 0 {
		exactSource = xs[0]
	}

	return &Link{
		InfoHash:      hash,
		DisplayName:   name,
		Trackers:      trackers,
		PeerAddresses: query["x.pe"],
		WebSeeds:      query["ws"],
		ExactSource:   exactSource,
	}, nil
}

func parseInfoHash(query url.Values) ([20]byte, error) {
	var hash [20]byte

	xts := query["xt"]
	if len(xts) == 0 {
		return hash, errors.New("magnet: missing \"xt\" parameter")
	}
	xt := xts[0]

	var encoded string
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		encoded = strings.TrimPrefix(xt, "urn:btih:")
	case strings.HasPrefix(xt, "urn:btmh:"):
		return hash, errors.New("magnet: multihash (urn:btmh) info hashes are not supported")
	default:
		return hash, errors.Errorf("magnet: unsupported \"xt\" namespace: %s", xt)
	}

	switch len(encoded) {
	case 40:
		decoded, err := hex.DecodeString(encoded)
		if err != nil {
			return hash, errors.Wrap(err, "magnet: decoding hex info hash")
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
		if err != nil {
			return hash, errors.Wrap(err, "magnet: decoding base32 info hash")
		}
		copy(hash[:], decoded)
	default:
		return hash, errors.Errorf("magnet: info hash length %d is neither hex (40) nor base32 (32)", len(encoded))
	}

	return hash, nil
}

// HasTrackers reports whether the magnet carried any tracker URLs.
func (l *Link) HasTrackers() bool { return len(l.Trackers) > 0 }

// HasPeers reports whether the magnet carried any direct peer hints.
func (l *Link) HasPeers() bool { return len(l.PeerAddresses) > 0 }

// InfoHashHex returns the info hash as a lowercase hex string.
func (l *Link) InfoHashHex() string { return hex.EncodeToString(l.InfoHash[:]) }

// DisplayNameOrHash returns the display name, falling back to a
// truncated hex info hash when the magnet carried no "dn".
func (l *Link) DisplayNameOrHash() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return l.InfoHashHex()[:16] + "..."
}
