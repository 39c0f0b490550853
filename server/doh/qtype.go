package doh

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ParseQTYPE maps the type query parameter to a record type. Accepts numeric
// values and mnemonics, empty means A. Unknown names map to TypeNone.
func ParseQTYPE(s string) uint16 {
	if s == "" {
		return dns.TypeA
	}

	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v)
	}

	if v, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return v
	}

	return dns.TypeNone
}
