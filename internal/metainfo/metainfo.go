package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"fetchd/internal/bencode"
)

// ErrInvalidMetainfo marks a structurally invalid .torrent or info dictionary.
// It always arrives wrapped in a *bencode.DecodeError.
var ErrInvalidMetainfo = errors.New("invalid metainfo")

// File is one file of a torrent, placed at Offset within the concatenated
// content of all files.
type File struct {
	Path   []string
	Length int64
	Offset int64
}

// PathString joins the path elements with slashes.
func (f File) PathString() string { return path.Join(f.Path...) }

// Metadata is the decoded description of a torrent. It is not modified after
// Parse returns.
type Metadata struct {
	InfoHash     Hash
	Name         string
	PieceLength  int64
	TotalLength  int64
	Files        []File
	Pieces       []Hash
	Announce     string
	AnnounceList [][]string
	Private      bool
	InfoBytes    []byte
}

// NumPieces returns the number of pieces.
func (m *Metadata) NumPieces() int { return len(m.Pieces) }

// PieceSize returns the length of the piece; only the last piece may be short.
func (m *Metadata) PieceSize(index int) int64 {
	if index < 0 || index >= len(m.Pieces) {
		return 0
	}
	if index == len(m.Pieces)-1 {
		if rem := m.TotalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// IsMultiFile reports whether the torrent uses the "files" layout, which is
// stored under a directory named after the torrent.
func (m *Metadata) IsMultiFile() bool {
	return len(m.Files) > 1 || (len(m.Files) == 1 && len(m.Files[0].Path) > 1)
}

// FilePaths returns the slash separated path of each file, relative to the
// download directory.
func (m *Metadata) FilePaths() []string {
	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		if m.IsMultiFile() {
			paths[i] = path.Join(m.Name, f.PathString())
		} else {
			paths[i] = f.PathString()
		}
	}
	return paths
}

// Trackers returns the deduplicated announce URLs, tiers flattened in order.
func (m *Metadata) Trackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// Load reads and parses a .torrent file.
func Load(filename string) (*Metadata, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a complete .torrent document.
func Parse(data []byte) (*Metadata, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	root, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("top level is %T, want dictionary", v)
	}

	info, ok := root["info"].(map[string]any)
	if !ok {
		return nil, invalid("missing info dictionary")
	}
	m, err := parseInfo(info)
	if err != nil {
		return nil, err
	}

	if a, ok := root["announce"]; ok {
		if m.Announce, ok = a.(string); !ok {
			return nil, invalid("announce is %T", a)
		}
	}
	if al, ok := root["announce-list"]; ok {
		if m.AnnounceList, err = parseAnnounceList(al); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ParseInfo decodes a bare info dictionary, as fetched for a magnet link.
func ParseInfo(infoBytes []byte) (*Metadata, error) {
	v, err := bencode.Decode(infoBytes)
	if err != nil {
		return nil, err
	}
	info, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("info is %T, want dictionary", v)
	}
	return parseInfo(info)
}

func parseInfo(info map[string]any) (*Metadata, error) {
	m := &Metadata{}

	var err error
	if m.Name, err = requireString(info, "name"); err != nil {
		return nil, err
	}
	if m.PieceLength, err = requireInt(info, "piece length"); err != nil {
		return nil, err
	}
	if m.PieceLength <= 0 {
		return nil, invalid("piece length %d", m.PieceLength)
	}
	pieces, err := requireString(info, "pieces")
	if err != nil {
		return nil, err
	}
	if len(pieces)%HashSize != 0 {
		return nil, invalid("pieces length %d is not a multiple of %d", len(pieces), HashSize)
	}
	m.Pieces = make([]Hash, len(pieces)/HashSize)
	for i := range m.Pieces {
		copy(m.Pieces[i][:], pieces[i*HashSize:])
	}
	if p, ok := info["private"]; ok {
		n, ok := p.(int64)
		if !ok {
			return nil, invalid("private is %T", p)
		}
		m.Private = n == 1
	}

	_, hasLength := info["length"]
	_, hasFiles := info["files"]
	switch {
	case hasLength && hasFiles:
		return nil, invalid("both length and files present")
	case hasLength:
		length, err := requireInt(info, "length")
		if err != nil {
			return nil, err
		}
		if err := checkPathElement(m.Name); err != nil {
			return nil, err
		}
		m.Files = []File{{Path: []string{m.Name}, Length: length}}
	case hasFiles:
		if m.Files, err = parseFiles(info["files"]); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("neither length nor files present")
	}

	for i := range m.Files {
		if m.Files[i].Length < 0 {
			return nil, invalid("negative file length")
		}
		m.Files[i].Offset = m.TotalLength
		m.TotalLength += m.Files[i].Length
	}

	want := (m.TotalLength + m.PieceLength - 1) / m.PieceLength
	if int64(len(m.Pieces)) != want {
		return nil, invalid("%d piece hashes for %d bytes at piece length %d", len(m.Pieces), m.TotalLength, m.PieceLength)
	}

	m.InfoBytes, err = bencode.Encode(info)
	if err != nil {
		return nil, err
	}
	m.InfoHash = sha1.Sum(m.InfoBytes)
	return m, nil
}

func parseFiles(v any) ([]File, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, invalid("files must be a non-empty list")
	}
	files := make([]File, 0, len(list))
	for _, item := range list {
		fd, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("file entry is %T", item)
		}
		length, err := requireInt(fd, "length")
		if err != nil {
			return nil, err
		}
		rawPath, ok := fd["path"].([]any)
		if !ok || len(rawPath) == 0 {
			return nil, invalid("file path must be a non-empty list")
		}
		elems := make([]string, len(rawPath))
		for i, p := range rawPath {
			s, ok := p.(string)
			if !ok {
				return nil, invalid("path element is %T", p)
			}
			if err := checkPathElement(s); err != nil {
				return nil, err
			}
			elems[i] = s
		}
		files = append(files, File{Path: elems, Length: length})
	}
	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, invalid("announce-list is %T", v)
	}
	out := make([][]string, 0, len(tiers))
	for _, t := range tiers {
		urls, ok := t.([]any)
		if !ok {
			return nil, invalid("announce tier is %T", t)
		}
		tier := make([]string, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok {
				return nil, invalid("announce url is %T", u)
			}
			tier = append(tier, s)
		}
		out = append(out, tier)
	}
	return out, nil
}

// checkPathElement rejects names that would escape the download directory.
func checkPathElement(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || filepath.IsAbs(s) {
		return invalid("unsafe path element %q", s)
	}
	return nil
}

func requireString(d map[string]any, key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", invalid("missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("%q is %T, want string", key, v)
	}
	return s, nil
}

func requireInt(d map[string]any, key string) (int64, error) {
	v, ok := d[key]
	if !ok {
		return 0, invalid("missing %q", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, invalid("%q is %T, want integer", key, v)
	}
	return n, nil
}

func invalid(format string, args ...any) error {
	return &bencode.DecodeError{Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidMetainfo}, args...)...)}
}
