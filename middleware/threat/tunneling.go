package threat

import (
	"fmt"
	"math"
	"strings"
)

// TunnelingRisk is the result of covert channel analysis for one name.
type TunnelingRisk struct {
	Suspected       bool     `json:"suspected"`
	Confidence      float64  `json:"confidence"`
	Indicators      []string `json:"indicators,omitempty"`
	Entropy         float64  `json:"entropy"`
	SubdomainLength int      `json:"subdomain_length"`
}

// analyzeTunneling scores a domain for exfiltration and covert channel
// indicators: long or high-entropy subdomains, encoding artifacts, known
// tunneling tool shapes.
func analyzeTunneling(domain string) TunnelingRisk {
	var indicators []string
	var confidence float64

	subdomain := extractSubdomain(domain)
	length := len(subdomain)

	if length > maxSubdomainLength {
		indicators = append(indicators, fmt.Sprintf("Extremely long subdomain: %d chars", length))
		confidence += 0.3
	} else if length > 30 {
		indicators = append(indicators, fmt.Sprintf("Long subdomain: %d chars", length))
		confidence += 0.15
	}

	ent := stringEntropy(subdomain)
	if ent > entropyThreshold {
		indicators = append(indicators, fmt.Sprintf("High entropy: %.2f", ent))
		confidence += 0.25
	}

	if looksLikeBase64(subdomain) {
		indicators = append(indicators, "Possible Base64 encoding detected")
		confidence += 0.2
	}

	if length > 20 && looksLikeHex(subdomain) {
		indicators = append(indicators, "Possible hex encoding detected")
		confidence += 0.2
	}

	if tool := matchTunnelTool(domain); tool != "" {
		indicators = append(indicators, fmt.Sprintf("Matches %s signature", tool))
		confidence += 0.27
	}

	if hasUnusualDistribution(subdomain) {
		indicators = append(indicators, "Unusual character distribution")
		confidence += 0.15
	}

	if length > 15 && !strings.ContainsAny(subdomain, "aeiou") {
		indicators = append(indicators, "No vowels in long subdomain")
		confidence += 0.2
	}

	if confidence > 1 {
		confidence = 1
	}

	return TunnelingRisk{
		Suspected:       confidence > 0.5 || (len(indicators) > 0 && confidence > 0.3),
		Confidence:      confidence,
		Indicators:      indicators,
		Entropy:         ent,
		SubdomainLength: length,
	}
}

// extractSubdomain returns everything left of the registered domain.
func extractSubdomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], ".")
}

func stringEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	freq := make(map[rune]int, len(s))
	for _, c := range s {
		freq[c]++
	}

	length := float64(len(s))
	var sum float64
	for _, count := range freq {
		p := float64(count) / length
		sum -= p * math.Log2(p)
	}
	return sum
}

// matchTunnelTool recognizes the first-label shapes of common tunneling
// tools by label length and alphabet.
func matchTunnelTool(domain string) string {
	label, _, _ := strings.Cut(domain, ".")

	switch {
	case len(label) >= 50 && isLowerAlnum(label):
		return "iodine"
	case len(label) >= 32 && isLowerHex(label):
		return "dns2tcp"
	case len(label) >= 30 && isLowerAlnum(label):
		return "dnscat2"
	}
	return ""
}

func isLowerAlnum(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'f') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}

func looksLikeBase64(s string) bool {
	if len(s) < 16 {
		return false
	}

	matching := 0
	for _, c := range s {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '+' || c == '/' || c == '-' || c == '_' || c == '=' {
			matching++
		}
	}

	ratio := float64(matching) / float64(len(s))
	return ratio > 0.95 && (len(s)%4 == 0 || len(s)%4 == 1)
}

func looksLikeHex(s string) bool {
	if len(s) < 16 {
		return false
	}

	matching := 0
	for _, c := range s {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			matching++
		}
	}

	return float64(matching)/float64(len(s)) > 0.95
}

// hasUnusualDistribution flags the digit and letter mix typical of encoded
// payloads.
func hasUnusualDistribution(s string) bool {
	if len(s) < 10 {
		return false
	}

	digits := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits++
		}
	}

	ratio := float64(digits) / float64(len(s))
	return ratio > 0.3 && ratio < 0.7
}

const (
	entropyThreshold   = 3.5
	maxSubdomainLength = 50
)
