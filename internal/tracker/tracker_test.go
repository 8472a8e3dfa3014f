package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fetchd/internal/bencode"
	"fetchd/internal/metainfo"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRequest() AnnounceRequest {
	return AnnounceRequest{
		InfoHash: metainfo.NewRandomHash(),
		PeerID:   metainfo.NewPeerID(),
		Port:     6881,
		Left:     40,
		Event:    EventStarted,
		Compact:  true,
	}
}

// trackerServer answers every announce with two compact peers.
func trackerServer(t *testing.T, want *AnnounceRequest) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := ParseAnnounceRequest(r.URL.Query())
		if err != nil {
			t.Errorf("ParseAnnounceRequest: %v", err)
		}
		if want != nil && req != *want {
			t.Errorf("tracker got %+v, want %+v", req, *want)
		}
		w.Write(bencode.MustEncode(map[string]any{
			"interval":   1800,
			"complete":   3,
			"incomplete": 1,
			"peers":      "\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x1a\xe2",
		}))
	}))
}

func TestAnnounceCompact(t *testing.T) {
	req := testRequest()
	srv := trackerServer(t, &req)
	defer srv.Close()

	c := NewClient(ClientConfig{Logger: quietLogger()})
	resp, err := c.Announce(context.Background(), srv.URL+"/announce", req)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 30*time.Minute || resp.Complete != 3 || resp.Incomplete != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Peers) != 2 || resp.Peers[1].String() != "10.0.0.2:6882" {
		t.Fatalf("peers = %v", resp.Peers)
	}
}

func TestAnnounceListPeersAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("event") == "stopped" {
			w.Write(bencode.MustEncode(map[string]any{"failure reason": "unregistered torrent"}))
			return
		}
		w.Write(bencode.MustEncode(map[string]any{
			"interval": 60,
			"peers": []any{
				map[string]any{"ip": "192.168.1.5", "port": 51413, "peer id": strings.Repeat("p", 20)},
			},
		}))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Logger: quietLogger()})
	req := testRequest()
	req.Compact = false
	resp, err := c.Announce(context.Background(), srv.URL, req)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "192.168.1.5:51413" {
		t.Fatalf("peers = %v", resp.Peers)
	}

	req.Event = EventStopped
	_, err = c.Announce(context.Background(), srv.URL, req)
	var fe *FailureError
	if !errors.As(err, &fe) || fe.Reason != "unregistered torrent" {
		t.Fatalf("expected FailureError, got %v", err)
	}
}

func TestAnnounceMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "d8:intervali60e5:peers3:abc")
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Logger: quietLogger()})
	_, err := c.Announce(context.Background(), srv.URL, testRequest())
	var de *bencode.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

// shortBodyServer declares a longer Content-Length than it sends.
func shortBodyServer(t *testing.T) *httptest.Server {
	body := string(bencode.MustEncode(map[string]any{"interval": 60, "peers": ""}))
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("hijack unsupported")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body)+10, body)
		buf.Flush()
	}))
}

func TestTolerantDecode(t *testing.T) {
	srv := shortBodyServer(t)
	defer srv.Close()

	strict := NewClient(ClientConfig{Logger: quietLogger()})
	if _, err := strict.Announce(context.Background(), srv.URL, testRequest()); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("strict client: expected ErrLengthMismatch, got %v", err)
	}

	tolerant := NewClient(ClientConfig{Logger: quietLogger(), Tolerant: true})
	resp, err := tolerant.Announce(context.Background(), srv.URL, testRequest())
	if err != nil {
		t.Fatalf("tolerant client: %v", err)
	}
	if resp.Interval != time.Minute {
		t.Fatalf("interval = %v", resp.Interval)
	}
}

func TestAnnounceAll(t *testing.T) {
	srv := trackerServer(t, nil)
	defer srv.Close()

	var observed atomic.Int32
	c := NewClient(ClientConfig{
		Logger:   quietLogger(),
		Observer: func(string, error) { observed.Add(1) },
	})
	trackers := []string{srv.URL, "udp://tracker.example:80", srv.URL + "/x"}
	results := c.AnnounceAll(context.Background(), trackers, testRequest())
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("http trackers failed: %v %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, ErrInvalidRequest) {
		t.Fatalf("udp tracker: %v", results[1].Err)
	}
	if observed.Load() != 3 {
		t.Fatalf("observer saw %d announces", observed.Load())
	}
}

func TestRelayDropsMalformedSubAnnounce(t *testing.T) {
	upstream := trackerServer(t, nil)
	defer upstream.Close()
	relay := httptest.NewServer(NewRelay(NewClient(ClientConfig{Logger: quietLogger()})))
	defer relay.Close()

	good, err := testRequest().URL(upstream.URL + "/announce")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	body := good + "\n" + upstream.URL + "/announce?info_hash=short&port=x\n"
	resp, err := http.Post(relay.URL, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	v, err := bencode.NewDecoder(resp.Body).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("reply = %#v, want exactly one message", v)
	}
	item := list[0].(map[string]any)
	if item["index"] != int64(0) {
		t.Fatalf("index = %v", item["index"])
	}
	if _, err := ParseAnnounceResponse(item["reply"]); err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
}

func TestRelayTotalFailure(t *testing.T) {
	relay := httptest.NewServer(NewRelay(NewClient(ClientConfig{Logger: quietLogger()})))
	defer relay.Close()

	resp, err := http.Post(relay.URL, "text/plain", strings.NewReader("not a url\n::\n"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	v, err := bencode.NewDecoder(bufio.NewReader(resp.Body)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := v.(map[string]any)["failure reason"].(string); !ok {
		t.Fatalf("no failure reason in %#v", v)
	}
}

func TestMultiAnnounceThroughRelay(t *testing.T) {
	upstream := trackerServer(t, nil)
	defer upstream.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.MustEncode(map[string]any{"failure reason": "nope"}))
	}))
	defer failing.Close()
	client := NewClient(ClientConfig{Logger: quietLogger()})
	relay := httptest.NewServer(NewRelay(client))
	defer relay.Close()

	results, err := client.MultiAnnounce(context.Background(), relay.URL, []SubAnnounce{
		{Tracker: upstream.URL, Req: testRequest()},
		{Tracker: failing.URL, Req: testRequest()},
	})
	if err != nil {
		t.Fatalf("MultiAnnounce: %v", err)
	}
	if results[0].Err != nil || len(results[0].Resp.Peers) != 2 {
		t.Fatalf("first result = %+v", results[0])
	}
	if !errors.Is(results[1].Err, ErrNoReply) {
		t.Fatalf("second result err = %v", results[1].Err)
	}

	results, err = client.MultiAnnounce(context.Background(), relay.URL, []SubAnnounce{
		{Tracker: failing.URL, Req: testRequest()},
	})
	if !errors.Is(err, ErrBatchFailed) || !errors.Is(results[0].Err, ErrBatchFailed) {
		t.Fatalf("expected ErrBatchFailed, got %v / %v", err, results[0].Err)
	}
	var fe *FailureError
	if !errors.As(err, &fe) {
		t.Fatalf("batch failure should carry the relay reason: %v", err)
	}
}

func TestMultiAnnounceNothingDecoded(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.MustEncode([]any{
			map[string]any{"index": int64(0), "reply": "not a dictionary"},
			map[string]any{"index": int64(7), "reply": map[string]any{"interval": int64(60)}},
			"junk",
		}))
	}))
	defer relay.Close()
	client := NewClient(ClientConfig{Logger: quietLogger()})

	results, err := client.MultiAnnounce(context.Background(), relay.URL, []SubAnnounce{
		{Tracker: "http://a.invalid/announce", Req: testRequest()},
		{Tracker: "http://b.invalid/announce", Req: testRequest()},
	})
	if !errors.Is(err, ErrBatchFailed) {
		t.Fatalf("expected ErrBatchFailed, got %v", err)
	}
	if results[0].Err == nil || !errors.Is(results[1].Err, ErrNoReply) {
		t.Fatalf("results = %+v", results)
	}
}

func TestMultiAnnounceSendsRelayToken(t *testing.T) {
	upstream := trackerServer(t, nil)
	defer upstream.Close()
	client := NewClient(ClientConfig{Logger: quietLogger(), RelayToken: "s3cret"})
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		NewRelay(client).ServeHTTP(w, r)
	}))
	defer relay.Close()

	results, err := client.MultiAnnounce(context.Background(), relay.URL, []SubAnnounce{
		{Tracker: upstream.URL, Req: testRequest()},
	})
	if err != nil || results[0].Err != nil {
		t.Fatalf("MultiAnnounce = %v / %v", err, results[0].Err)
	}
}

func TestBatcherCoalesces(t *testing.T) {
	upstream := trackerServer(t, nil)
	defer upstream.Close()
	client := NewClient(ClientConfig{Logger: quietLogger()})

	var posts atomic.Int32
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		NewRelay(client).ServeHTTP(w, r)
	}))
	defer relay.Close()

	b := client.NewBatcher(relay.URL, 100*time.Millisecond, 3)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.Announce(context.Background(), upstream.URL, testRequest())
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
	}
	if n := posts.Load(); n != 1 {
		t.Fatalf("relay received %d posts, want 1", n)
	}
}

func TestBatcherHonoursContext(t *testing.T) {
	blocked := make(chan struct{})
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer relay.Close()
	defer close(blocked)

	b := NewClient(ClientConfig{Logger: quietLogger()}).NewBatcher(relay.URL, time.Millisecond, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Announce(ctx, "http://tracker.example/announce", testRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAnnounceRequestURLKeepsQuery(t *testing.T) {
	req := testRequest()
	u, err := req.URL("http://tracker.example/announce?passkey=abc")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	tracker, back, err := splitAnnounceURL(u)
	if err != nil {
		t.Fatalf("splitAnnounceURL: %v", err)
	}
	if tracker != "http://tracker.example/announce?passkey=abc" {
		t.Fatalf("tracker = %s", tracker)
	}
	if back != req {
		t.Fatalf("request changed: %+v vs %+v", back, req)
	}
}
