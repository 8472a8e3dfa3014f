// Package tracker implements the HTTP announce protocol: building requests,
// decoding responses, fanning out to several trackers and batching many
// announces into a single round trip through a relay.
package tracker

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"fetchd/internal/bencode"
	"fetchd/internal/metainfo"
)

// Event is the announce event parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

var (
	ErrInvalidRequest = errors.New("tracker: invalid announce request")
	ErrInvalidReply   = errors.New("tracker: invalid announce response")
	ErrLengthMismatch = errors.New("tracker: response length mismatch")
	ErrNoReply        = errors.New("tracker: no reply for request")
)

// FailureError carries the "failure reason" a tracker answered with.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string { return "tracker failure: " + e.Reason }

// AnnounceRequest is one announce from a client.
type AnnounceRequest struct {
	InfoHash   metainfo.Hash
	PeerID     metainfo.Hash
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	Compact    bool
	NumWant    int
}

// Values returns the query parameters of the request.
func (r AnnounceRequest) Values() url.Values {
	v := url.Values{}
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(int(r.Port)))
	v.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	v.Set("left", strconv.FormatInt(r.Left, 10))
	if r.Event != EventNone {
		v.Set("event", string(r.Event))
	}
	if r.Compact {
		v.Set("compact", "1")
	} else {
		v.Set("compact", "0")
	}
	if r.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(r.NumWant))
	}
	return v
}

// URL appends the request to the tracker announce URL, keeping any query
// the tracker URL already carries.
func (r AnnounceRequest) URL(tracker string) (string, error) {
	u, err := url.Parse(tracker)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported tracker scheme %q", ErrInvalidRequest, u.Scheme)
	}
	q := r.Values().Encode()
	if u.RawQuery != "" {
		u.RawQuery += "&" + q
	} else {
		u.RawQuery = q
	}
	return u.String(), nil
}

// ParseAnnounceRequest reads a request back from its query parameters.
func ParseAnnounceRequest(v url.Values) (AnnounceRequest, error) {
	var r AnnounceRequest
	var err error
	if r.InfoHash, err = metainfo.NewHashFromBytes([]byte(v.Get("info_hash"))); err != nil {
		return r, fmt.Errorf("%w: info_hash: %v", ErrInvalidRequest, err)
	}
	if r.PeerID, err = metainfo.NewHashFromBytes([]byte(v.Get("peer_id"))); err != nil {
		return r, fmt.Errorf("%w: peer_id: %v", ErrInvalidRequest, err)
	}
	port, err := strconv.ParseUint(v.Get("port"), 10, 16)
	if err != nil {
		return r, fmt.Errorf("%w: port: %v", ErrInvalidRequest, err)
	}
	r.Port = uint16(port)
	for _, f := range []struct {
		key string
		dst *int64
	}{{"uploaded", &r.Uploaded}, {"downloaded", &r.Downloaded}, {"left", &r.Left}} {
		n, err := strconv.ParseInt(v.Get(f.key), 10, 64)
		if err != nil || n < 0 {
			return r, fmt.Errorf("%w: %s %q", ErrInvalidRequest, f.key, v.Get(f.key))
		}
		*f.dst = n
	}
	switch e := Event(v.Get("event")); e {
	case EventNone, EventStarted, EventStopped, EventCompleted:
		r.Event = e
	default:
		return r, fmt.Errorf("%w: event %q", ErrInvalidRequest, e)
	}
	r.Compact = v.Get("compact") == "1"
	if nw := v.Get("numwant"); nw != "" {
		if r.NumWant, err = strconv.Atoi(nw); err != nil {
			return r, fmt.Errorf("%w: numwant %q", ErrInvalidRequest, nw)
		}
	}
	return r, nil
}

// AnnounceResponse is a decoded tracker reply.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	Peers       []metainfo.Address
	Warning     string
}

// ParseAnnounceResponse interprets a decoded response dictionary. A
// "failure reason" is returned as *FailureError.
func ParseAnnounceResponse(v any) (AnnounceResponse, error) {
	var r AnnounceResponse
	d, ok := v.(map[string]any)
	if !ok {
		return r, fmt.Errorf("%w: response is %T", ErrInvalidReply, v)
	}
	if reason, ok := d["failure reason"].(string); ok {
		return r, &FailureError{Reason: reason}
	}

	ints := []struct {
		key string
		set func(int64)
	}{
		{"interval", func(n int64) { r.Interval = time.Duration(n) * time.Second }},
		{"min interval", func(n int64) { r.MinInterval = time.Duration(n) * time.Second }},
		{"complete", func(n int64) { r.Complete = int(n) }},
		{"incomplete", func(n int64) { r.Incomplete = int(n) }},
	}
	for _, f := range ints {
		raw, ok := d[f.key]
		if !ok {
			continue
		}
		n, ok := raw.(int64)
		if !ok || n < 0 {
			return r, fmt.Errorf("%w: %s is %v", ErrInvalidReply, f.key, raw)
		}
		f.set(n)
	}
	r.Warning, _ = d["warning message"].(string)

	var err error
	switch peers := d["peers"].(type) {
	case nil:
	case string:
		if r.Peers, err = metainfo.ParseCompactPeers(peers, false); err != nil {
			return r, fmt.Errorf("%w: %v", ErrInvalidReply, err)
		}
	case []any:
		for _, p := range peers {
			addr, err := parsePeerDict(p)
			if err != nil {
				return r, err
			}
			r.Peers = append(r.Peers, addr)
		}
	default:
		return r, fmt.Errorf("%w: peers is %T", ErrInvalidReply, peers)
	}
	if peers6, ok := d["peers6"].(string); ok {
		addrs, err := metainfo.ParseCompactPeers(peers6, true)
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrInvalidReply, err)
		}
		r.Peers = append(r.Peers, addrs...)
	}
	return r, nil
}

func parsePeerDict(v any) (metainfo.Address, error) {
	d, ok := v.(map[string]any)
	if !ok {
		return metainfo.Address{}, fmt.Errorf("%w: peer is %T", ErrInvalidReply, v)
	}
	ipStr, _ := d["ip"].(string)
	port, _ := d["port"].(int64)
	ip := net.ParseIP(ipStr)
	if ip == nil || port <= 0 || port > 65535 {
		return metainfo.Address{}, fmt.Errorf("%w: peer %q:%d", ErrInvalidReply, ipStr, port)
	}
	return metainfo.NewAddress(ip, uint16(port)), nil
}

// MarshalBencode encodes the response with compact peer lists.
func (r AnnounceResponse) MarshalBencode() ([]byte, error) {
	var peers, peers6 []byte
	for _, p := range r.Peers {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if p.IP.To4() != nil {
			peers = append(peers, b...)
		} else {
			peers6 = append(peers6, b...)
		}
	}
	d := map[string]any{
		"interval":   int64(r.Interval / time.Second),
		"complete":   r.Complete,
		"incomplete": r.Incomplete,
		"peers":      peers,
	}
	if r.MinInterval > 0 {
		d["min interval"] = int64(r.MinInterval / time.Second)
	}
	if len(peers6) > 0 {
		d["peers6"] = peers6
	}
	if r.Warning != "" {
		d["warning message"] = r.Warning
	}
	return bencode.Encode(d)
}
