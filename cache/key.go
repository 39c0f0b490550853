package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

var keyBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

// Hash returns a hash for a question with optional cd (checking disabled) flag.
func Hash(q dns.Question, cd ...bool) uint64 {
	bufPtr := keyBufPool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	defer keyBufPool.Put(bufPtr)

	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass&0xff))
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype&0xff))

	if len(cd) > 0 && cd[0] {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	for i := 0; i < len(q.Name); i++ {
		c := q.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return xxhash.Sum64(buf)
}

// Key returns a hash for a raw byte key, used for non-question cache entries
// such as per-client rate limit buckets.
func Key(b []byte) uint64 {
	return xxhash.Sum64(b)
}
