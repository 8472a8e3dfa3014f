package metainfo

import (
	"crypto/sha1"
	"fmt"

	"fetchd/internal/bencode"
)

// FileSpec describes one file when generating a torrent.
type FileSpec struct {
	Path   []string
	Length int64
}

// Generate builds a .torrent document over content, which must be the
// concatenation of all files in order. A single FileSpec with a one element
// path produces the single-file layout.
func Generate(name string, pieceLength int64, files []FileSpec, content []byte, announce string) ([]byte, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", pieceLength)
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	if total != int64(len(content)) {
		return nil, fmt.Errorf("content is %d bytes, files declare %d", len(content), total)
	}

	var pieces []byte
	for off := int64(0); off < total; off += pieceLength {
		end := off + pieceLength
		if end > total {
			end = total
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]any{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(pieces),
	}
	if len(files) == 1 && len(files[0].Path) == 1 && files[0].Path[0] == name {
		info["length"] = files[0].Length
	} else {
		list := make([]any, len(files))
		for i, f := range files {
			list[i] = map[string]any{"length": f.Length, "path": f.Path}
		}
		info["files"] = list
	}

	root := map[string]any{"info": info}
	if announce != "" {
		root["announce"] = announce
	}
	return bencode.Encode(root)
}
