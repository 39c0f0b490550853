package risk

import (
	"math"
	"strings"
)

// charWeights approximate a character-level model's learned embeddings.
var charWeights = map[rune]float64{
	'a': 0.1, 'b': 0.15, 'c': 0.12, 'd': 0.14, 'e': 0.08,
	'f': 0.16, 'g': 0.17, 'h': 0.11, 'i': 0.09, 'j': 0.22,
	'k': 0.21, 'l': 0.10, 'm': 0.13, 'n': 0.11, 'o': 0.07,
	'p': 0.18, 'q': 0.35, 'r': 0.12, 's': 0.10, 't': 0.09,
	'u': 0.14, 'v': 0.19, 'w': 0.18, 'x': 0.28, 'y': 0.16,
	'z': 0.30, '0': 0.25, '1': 0.24, '2': 0.23, '3': 0.22,
	'4': 0.21, '5': 0.20, '6': 0.21, '7': 0.22, '8': 0.23,
	'9': 0.24,
}

// bigramWeights score rarely co-occurring letter pairs seen in generated names.
var bigramWeights = map[string]float64{
	"qx": 0.9, "xz": 0.85, "zq": 0.88, "jq": 0.87, "qj": 0.86,
	"vx": 0.82, "xv": 0.81, "wq": 0.80, "qw": 0.79, "zx": 0.84,
	"kx": 0.78, "xk": 0.77, "jx": 0.83, "xj": 0.82, "vz": 0.76,
	"zv": 0.75, "bx": 0.74, "xb": 0.73, "qz": 0.89, "zj": 0.80,
}

// Features holds the lexical measurements of a domain name.
type Features struct {
	Entropy              float64 `json:"entropy"`
	ConsonantRatio       float64 `json:"consonant_ratio"`
	DigitRatio           float64 `json:"digit_ratio"`
	BigramScore          float64 `json:"bigram_score"`
	LengthScore          float64 `json:"length_score"`
	VowelConsonantRatio  float64 `json:"vowel_consonant_ratio"`
	UniqueCharRatio      float64 `json:"unique_char_ratio"`
	MaxConsonantSequence int     `json:"max_consonant_sequence"`
	CharModelScore       float64 `json:"char_model_score"`
}

func isVowel(c rune) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func isAlpha(c rune) bool { return c >= 'a' && c <= 'z' }
func isDigit(c rune) bool { return c >= '0' && c <= '9' }
func isAlnum(c rune) bool { return isAlpha(c) || isDigit(c) }

// extractFeatures measures a lowercased domain name.
func extractFeatures(domain string) Features {
	var chars []rune
	for _, c := range domain {
		if c != '.' {
			chars = append(chars, c)
		}
	}

	length := float64(len(chars))
	if length == 0 {
		return Features{}
	}

	var vowelCount, digitCount, consonantCount int
	unique := make(map[rune]struct{}, len(chars))
	for _, c := range chars {
		unique[c] = struct{}{}
		switch {
		case isVowel(c):
			vowelCount++
		case isDigit(c):
			digitCount++
		case isAlpha(c):
			consonantCount++
		}
	}

	var vcRatio float64
	if consonantCount > 0 {
		vcRatio = float64(vowelCount) / float64(consonantCount)
	}

	lengthScore := math.Abs(length-15) / 30
	if length < 5 || length > 30 {
		lengthScore = 0.5 + math.Min(lengthScore, 0.5)
	}

	return Features{
		Entropy:              entropy(chars),
		ConsonantRatio:       float64(consonantCount) / length,
		DigitRatio:           float64(digitCount) / length,
		BigramScore:          bigramScore(domain),
		LengthScore:          lengthScore,
		VowelConsonantRatio:  vcRatio,
		UniqueCharRatio:      float64(len(unique)) / length,
		MaxConsonantSequence: maxConsonantSequence(chars),
		CharModelScore:       charModelScore(chars),
	}
}

// entropy is the Shannon entropy over the character distribution.
func entropy(chars []rune) float64 {
	length := float64(len(chars))
	if length == 0 {
		return 0
	}

	freq := make(map[rune]int, len(chars))
	for _, c := range chars {
		freq[c]++
	}

	var sum float64
	for _, count := range freq {
		p := float64(count) / length
		sum -= p * math.Log2(p)
	}
	return sum
}

// bigramScore averages suspicious pair weights over all adjacent pairs.
func bigramScore(domain string) float64 {
	var chars []rune
	for _, c := range domain {
		if isAlnum(c) {
			chars = append(chars, c)
		}
	}

	if len(chars) < 2 {
		return 0
	}

	var score float64
	count := 0
	for i := 0; i+1 < len(chars); i++ {
		if w, ok := bigramWeights[string(chars[i:i+2])]; ok {
			score += w
		}
		count++
	}

	return score / float64(count)
}

// charModelScore runs the embedded character weights through a sequential
// accumulator and a sigmoid, mimicking the original model's inference.
func charModelScore(chars []rune) float64 {
	if len(chars) == 0 {
		return 0
	}

	var score, prev float64
	for _, c := range chars {
		weight, ok := charWeights[c]
		if !ok {
			weight = 0.15
		}

		score += weight * (1 + prev*0.3)
		prev = weight
	}

	normalized := score / math.Sqrt(float64(len(chars)))

	return 1 / (1 + math.Exp(-normalized+0.5))
}

func maxConsonantSequence(chars []rune) int {
	maxSeq, cur := 0, 0
	for _, c := range chars {
		if isAlpha(c) && !isVowel(c) {
			cur++
			if cur > maxSeq {
				maxSeq = cur
			}
		} else {
			cur = 0
		}
	}
	return maxSeq
}

// labelDepth counts the dot separated labels of a name.
func labelDepth(domain string) int {
	return strings.Count(domain, ".")
}
