package metainfo

import (
	"fmt"

	anametainfo "github.com/anacrolix/torrent/metainfo"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash    Hash
	DisplayName string
	Trackers    []string
}

// ParseMagnet parses a "magnet:?xt=urn:btih:..." link.
func ParseMagnet(uri string) (Magnet, error) {
	m, err := anametainfo.ParseMagnetUri(uri)
	if err != nil {
		return Magnet{}, fmt.Errorf("parse magnet: %w", err)
	}
	if Hash(m.InfoHash).IsZero() {
		return Magnet{}, fmt.Errorf("parse magnet: no btih info hash")
	}
	return Magnet{
		InfoHash:    Hash(m.InfoHash),
		DisplayName: m.DisplayName,
		Trackers:    m.Trackers,
	}, nil
}

// Magnet returns a magnet link for the torrent.
func (m *Metadata) Magnet() string {
	mag := anametainfo.Magnet{
		InfoHash:    anametainfo.Hash(m.InfoHash),
		DisplayName: m.Name,
		Trackers:    m.Trackers(),
	}
	return mag.String()
}
