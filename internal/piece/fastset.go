package piece

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"fetchd/internal/metainfo"
)

// AllowedFastSet returns up to k piece indexes a peer at ip may request while
// choked, derived as in BEP 6.
func AllowedFastSet(k, numPieces int, ip net.IP, infoHash metainfo.Hash) []int {
	if numPieces <= 0 || k <= 0 {
		return nil
	}
	if k > numPieces {
		k = numPieces
	}

	var x []byte
	if v4 := ip.To4(); v4 != nil {
		x = append(x, v4[0], v4[1], v4[2], 0)
	} else {
		x = append(x, ip.To16()...)
	}
	x = append(x, infoHash[:]...)

	set := make([]int, 0, k)
	seen := make(map[int]struct{}, k)
	for len(set) < k {
		sum := sha1.Sum(x)
		x = sum[:]
		for i := 0; i < 5 && len(set) < k; i++ {
			index := int(binary.BigEndian.Uint32(x[i*4:]) % uint32(numPieces))
			if _, ok := seen[index]; ok {
				continue
			}
			seen[index] = struct{}{}
			set = append(set, index)
		}
	}
	return set
}
