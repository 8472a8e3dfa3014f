package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
)

const thunderScheme = "thunder://"

// ThunderURL wraps url in a thunder link.
func ThunderURL(url string) string {
	return thunderScheme + base64.StdEncoding.EncodeToString([]byte("AA"+url+"ZZ"))
}

// SourceURL unwraps a thunder link. Locators without the thunder scheme are
// returned unchanged.
func SourceURL(locator string) (string, error) {
	payload, ok := cutPrefixFold(strings.TrimSpace(locator), thunderScheme)
	if !ok {
		return locator, nil
	}
	payload = strings.TrimRight(payload, "/")
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some links drop the padding.
		if raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return "", fmt.Errorf("%w: thunder payload: %v", domain.ErrUnsupportedLocator, err)
		}
	}
	s := string(raw)
	if !strings.HasPrefix(s, "AA") || !strings.HasSuffix(s, "ZZ") || len(s) < 4 {
		return "", fmt.Errorf("%w: thunder envelope", domain.ErrUnsupportedLocator)
	}
	return s[2 : len(s)-2], nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// Thunder unwraps thunder links and hands the inner locator back to the
// dispatcher. Tasks are recorded under the inner protocol.
type Thunder struct {
	inner *Dispatcher
}

func NewThunder(d *Dispatcher) *Thunder { return &Thunder{inner: d} }

func (*Thunder) Name() domain.Protocol { return domain.ProtocolThunder }

func (*Thunder) Matches(locator string) bool {
	_, ok := cutPrefixFold(strings.TrimSpace(locator), thunderScheme)
	return ok
}

func (t *Thunder) Prep(ctx context.Context, locator string) (*Prepared, error) {
	src, err := SourceURL(locator)
	if err != nil {
		return nil, err
	}
	if t.Matches(src) {
		return nil, fmt.Errorf("%w: nested thunder link", domain.ErrUnsupportedLocator)
	}
	return t.inner.Prep(ctx, src)
}

func (t *Thunder) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	src, err := SourceURL(task.Locator)
	if err != nil {
		return nil, err
	}
	p, err := t.inner.Match(src)
	if err != nil {
		return nil, err
	}
	if p.Name() == domain.ProtocolThunder {
		return nil, fmt.Errorf("%w: nested thunder link", domain.ErrUnsupportedLocator)
	}
	inner := *task
	inner.Locator = src
	inner.Protocol = p.Name()
	return p.BuildDownloader(&inner)
}
