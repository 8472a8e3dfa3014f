package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
)

// A multi-announce carries several announces in one HTTP round trip. The
// request body holds one complete announce URL per line. A 200 reply is a
// bencoded list of {"index": n, "reply": <announce response>} for the lines
// that succeeded; when none succeeded the relay answers 400 with a single
// {"failure reason": ...} dictionary.

const (
	maxBatchBody  = 256 * 1024
	DefaultMaxSub = 64
)

// ErrBatchFailed is returned when no sub-announce of a batch produced a reply.
var ErrBatchFailed = errors.New("tracker: multi-announce failed")

// Announcer is implemented by Client and Batcher.
type Announcer interface {
	Announce(ctx context.Context, tracker string, req AnnounceRequest) (AnnounceResponse, error)
}

// SubAnnounce is one announce inside a batch.
type SubAnnounce struct {
	Tracker string
	Req     AnnounceRequest
}

// MultiAnnounce sends subs to the relay in a single request and returns one
// result per sub-announce, in order. The error is non-nil only when the batch
// as a whole failed; every result then carries it too.
func (c *Client) MultiAnnounce(ctx context.Context, relay string, subs []SubAnnounce) ([]Result, error) {
	results := make([]Result, len(subs))
	var body bytes.Buffer
	var lineOwner []int
	for i, s := range subs {
		results[i].Tracker = s.Tracker
		u, err := s.Req.URL(s.Tracker)
		if err != nil {
			results[i].Err = err
			continue
		}
		body.WriteString(u)
		body.WriteByte('\n')
		lineOwner = append(lineOwner, i)
	}
	if len(lineOwner) == 0 {
		return results, ErrBatchFailed
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	fail := func(err error) ([]Result, error) {
		for _, i := range lineOwner {
			results[i].Err = err
		}
		return results, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, relay, &body)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	hreq.Header.Set("Content-Type", "text/plain")
	if c.cfg.RelayToken != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.RelayToken)
	}
	hresp, err := c.cfg.HTTPClient.Do(hreq)
	if err != nil {
		return fail(&domain.NetError{Op: "multi-announce", Addr: relay, Err: err})
	}
	defer hresp.Body.Close()

	v, err := c.decodeBody(relay, hresp)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrBatchFailed, err))
	}
	if hresp.StatusCode != http.StatusOK {
		if d, ok := v.(map[string]any); ok {
			if reason, ok := d["failure reason"].(string); ok {
				return fail(fmt.Errorf("%w: %w", ErrBatchFailed, &FailureError{Reason: reason}))
			}
		}
		return fail(fmt.Errorf("%w: status %s", ErrBatchFailed, hresp.Status))
	}

	list, ok := v.([]any)
	if !ok {
		return fail(fmt.Errorf("%w: reply is %T", ErrBatchFailed, v))
	}
	got := make(map[int]bool)
	decoded := 0
	for _, item := range list {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idx, ok := d["index"].(int64)
		if !ok || idx < 0 || int(idx) >= len(lineOwner) {
			continue
		}
		i := lineOwner[idx]
		results[i].Resp, results[i].Err = ParseAnnounceResponse(d["reply"])
		got[i] = true
		if results[i].Err == nil {
			decoded++
		}
	}
	for _, i := range lineOwner {
		if !got[i] {
			results[i].Err = ErrNoReply
		}
	}
	if decoded == 0 {
		return results, fmt.Errorf("%w: none of %d replies decoded", ErrBatchFailed, len(lineOwner))
	}
	return results, nil
}

// Batcher coalesces concurrent announces into multi-announce round trips
// through a relay. A batch is sent when it reaches MaxBatch entries or when
// Window has passed since its first entry.
type Batcher struct {
	client   *Client
	relay    string
	window   time.Duration
	maxBatch int

	mu    sync.Mutex
	queue []*queued
	timer *time.Timer
}

type queued struct {
	sub  SubAnnounce
	done chan Result
}

// NewBatcher returns a Batcher posting to relay.
func (c *Client) NewBatcher(relay string, window time.Duration, maxBatch int) *Batcher {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxSub
	}
	return &Batcher{client: c, relay: relay, window: window, maxBatch: maxBatch}
}

// Announce queues one announce and waits for its share of the batch reply.
func (b *Batcher) Announce(ctx context.Context, tracker string, req AnnounceRequest) (AnnounceResponse, error) {
	q := &queued{sub: SubAnnounce{Tracker: tracker, Req: req}, done: make(chan Result, 1)}

	b.mu.Lock()
	b.queue = append(b.queue, q)
	var batch []*queued
	if len(b.queue) >= b.maxBatch {
		batch = b.take()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()
	if batch != nil {
		go b.send(batch)
	}

	select {
	case r := <-q.done:
		return r.Resp, r.Err
	case <-ctx.Done():
		return AnnounceResponse{}, ctx.Err()
	}
}

// take must be called with mu held.
func (b *Batcher) take() []*queued {
	batch := b.queue
	b.queue = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.send(batch)
	}
}

func (b *Batcher) send(batch []*queued) {
	subs := make([]SubAnnounce, len(batch))
	for i, q := range batch {
		subs[i] = q.sub
	}
	results, _ := b.client.MultiAnnounce(context.Background(), b.relay, subs)
	for i, q := range batch {
		r := results[i]
		if b.client.cfg.Observer != nil {
			b.client.cfg.Observer(q.sub.Tracker, r.Err)
		}
		q.done <- r
	}
}

// Relay is the server half of multi-announce: it splits a batch, announces
// each line to its tracker and returns the replies that succeeded.
type Relay struct {
	client   *Client
	maxBatch int
	log      *logrus.Logger
}

// NewRelay returns a relay announcing through client.
func NewRelay(client *Client) *Relay {
	return &Relay{client: client, maxBatch: DefaultMaxSub, log: client.cfg.Logger}
}

type relayReply struct {
	index int
	resp  AnnounceResponse
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		rl.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody+1))
	if err != nil {
		rl.fail(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxBatchBody {
		rl.fail(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	lines := strings.Split(strings.TrimRight(string(body), "\r\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		rl.fail(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(lines) > rl.maxBatch {
		rl.fail(w, http.StatusBadRequest, fmt.Sprintf("batch of %d exceeds %d", len(lines), rl.maxBatch))
		return
	}

	var (
		mu      sync.Mutex
		replies []relayReply
		g       errgroup.Group
	)
	g.SetLimit(rl.client.cfg.MaxWorkers)
	for i, line := range lines {
		g.Go(func() error {
			tracker, req, err := splitAnnounceURL(strings.TrimSpace(line))
			if err == nil {
				var resp AnnounceResponse
				if resp, err = rl.client.Announce(r.Context(), tracker, req); err == nil {
					mu.Lock()
					replies = append(replies, relayReply{index: i, resp: resp})
					mu.Unlock()
					return nil
				}
			}
			rl.log.WithFields(logrus.Fields{"index": i, "tracker": tracker}).WithError(err).Debug("sub-announce dropped")
			return nil
		})
	}
	g.Wait()

	if len(replies) == 0 {
		rl.fail(w, http.StatusBadRequest, "no sub-announce succeeded")
		return
	}
	sort.Slice(replies, func(a, b int) bool { return replies[a].index < replies[b].index })
	list := make([]any, len(replies))
	for i, rep := range replies {
		list[i] = map[string]any{"index": rep.index, "reply": rep.resp}
	}
	out, err := bencode.Encode(list)
	if err != nil {
		rl.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (rl *Relay) fail(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write(bencode.MustEncode(map[string]any{"failure reason": reason}))
}

// splitAnnounceURL separates a full announce URL into the tracker URL and
// the announce parameters.
func splitAnnounceURL(s string) (string, AnnounceRequest, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", AnnounceRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	q := u.Query()
	req, err := ParseAnnounceRequest(q)
	if err != nil {
		return "", req, err
	}
	for _, k := range []string{"info_hash", "peer_id", "port", "uploaded", "downloaded", "left", "event", "compact", "numwant"} {
		q.Del(k)
	}
	u.RawQuery = q.Encode()
	return u.String(), req, nil
}
