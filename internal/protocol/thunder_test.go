package protocol

import (
	"errors"
	"testing"

	"fetchd/internal/domain"
)

func TestThunderRoundTrip(t *testing.T) {
	url := "http://example.com/a.zip"
	link := ThunderURL(url)
	if link != "thunder://QUFodHRwOi8vZXhhbXBsZS5jb20vYS56aXBaWg==" {
		t.Fatalf("ThunderURL = %s", link)
	}
	src, err := SourceURL(link)
	if err != nil {
		t.Fatalf("SourceURL: %v", err)
	}
	if src != url {
		t.Fatalf("SourceURL = %q, want %q", src, url)
	}
	if again := ThunderURL(src); again != link {
		t.Fatalf("round trip = %q, want %q", again, link)
	}
}

func TestSourceURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain url passes through", in: "ftp://host/file", want: "ftp://host/file"},
		{name: "upper case scheme", in: "THUNDER://QUFodHRwOi8vZXhhbXBsZS5jb20vYS56aXBaWg==", want: "http://example.com/a.zip"},
		{name: "missing padding", in: "thunder://QUFodHRwOi8vZXhhbXBsZS5jb20vYS56aXBaWg", want: "http://example.com/a.zip"},
		{name: "trailing slash", in: "thunder://QUFodHRwOi8vZXhhbXBsZS5jb20vYS56aXBaWg==/", want: "http://example.com/a.zip"},
		{name: "not base64", in: "thunder://***", wantErr: true},
		{name: "missing envelope", in: "thunder://aHR0cDovL2V4YW1wbGUuY29t", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SourceURL(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrUnsupportedLocator) {
					t.Fatalf("err = %v, want ErrUnsupportedLocator", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SourceURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("SourceURL = %q, want %q", got, tt.want)
			}
		})
	}
}
