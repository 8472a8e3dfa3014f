package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
)

// maxResponseSize bounds a single tracker reply.
const maxResponseSize = 4 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration

	// Tolerant accepts replies whose declared Content-Length disagrees with
	// the bytes actually read, as long as a complete document was decoded.
	// Some trackers answer with a wrong length; the mismatch is logged at
	// warn level instead of failing the announce.
	Tolerant bool

	// MaxWorkers bounds concurrent announces in AnnounceAll.
	MaxWorkers int

	// RelayToken is sent as a bearer token with multi-announce batches.
	RelayToken string

	// Observer, when set, is told the outcome of every announce.
	Observer func(tracker string, err error)

	Logger *logrus.Logger
}

func (c *ClientConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Client announces to HTTP trackers. It holds no per-torrent state and is
// shared by every session.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

// Announce sends req to one tracker.
func (c *Client) Announce(ctx context.Context, tracker string, req AnnounceRequest) (AnnounceResponse, error) {
	resp, err := c.announce(ctx, tracker, req)
	if c.cfg.Observer != nil {
		c.cfg.Observer(tracker, err)
	}
	return resp, err
}

func (c *Client) announce(ctx context.Context, tracker string, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := req.URL(tracker)
	if err != nil {
		return AnnounceResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	hresp, err := c.cfg.HTTPClient.Do(hreq)
	if err != nil {
		return AnnounceResponse{}, &domain.NetError{Op: "announce", Addr: tracker, Err: err}
	}
	defer hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, &domain.NetError{Op: "announce", Addr: tracker, Err: fmt.Errorf("status %s", hresp.Status)}
	}

	v, err := c.decodeBody(tracker, hresp)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return ParseAnnounceResponse(v)
}

// decodeBody decodes one document from the body while it streams in and
// compares what was consumed against the declared length.
func (c *Client) decodeBody(tracker string, hresp *http.Response) (any, error) {
	dec := bencode.NewDecoder(io.LimitReader(hresp.Body, maxResponseSize))
	v, err := dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: empty body", ErrInvalidReply)
		}
		return nil, err
	}
	// Anything left over counts toward the comparison below.
	rest, _ := io.Copy(io.Discard, io.LimitReader(hresp.Body, maxResponseSize))
	read := dec.BytesParsed() + rest + int64(dec.Buffered())
	if hresp.ContentLength >= 0 && read != hresp.ContentLength {
		if !c.cfg.Tolerant {
			return nil, fmt.Errorf("%w: declared %d, read %d", ErrLengthMismatch, hresp.ContentLength, read)
		}
		c.cfg.Logger.WithFields(logrus.Fields{
			"tracker":  tracker,
			"declared": hresp.ContentLength,
			"read":     read,
		}).Warn("tracker response length mismatch accepted")
	}
	return v, nil
}

// Result is the outcome of announcing to one tracker.
type Result struct {
	Tracker string
	Resp    AnnounceResponse
	Err     error
}

// AnnounceAll announces req to every tracker concurrently, at most
// MaxWorkers at a time, and returns one result per tracker in input order.
func (c *Client) AnnounceAll(ctx context.Context, trackers []string, req AnnounceRequest) []Result {
	return AnnounceAll(ctx, c, trackers, req, c.cfg.MaxWorkers)
}

// AnnounceAll fans req out to trackers through a, running at most workers
// announces at once.
func AnnounceAll(ctx context.Context, a Announcer, trackers []string, req AnnounceRequest, workers int) []Result {
	results := make([]Result, len(trackers))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, tr := range trackers {
		g.Go(func() error {
			resp, err := a.Announce(ctx, tr, req)
			results[i] = Result{Tracker: tr, Resp: resp, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}
