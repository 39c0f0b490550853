package risk

import (
	"fmt"
	"strings"
)

// Level buckets an overall risk score.
type Level string

const (
	LevelUnknown Level = "unknown"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
)

// LevelFromScore maps a score in [0,1] to a level.
func LevelFromScore(score float64) Level {
	switch {
	case score < 0.35:
		return LevelLow
	case score < 0.55:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Factor is one weighted component of the overall score.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Analysis is the full scoring result for a domain.
type Analysis struct {
	Domain      string    `json:"domain"`
	OverallRisk float64   `json:"overall_risk"`
	Level       Level     `json:"level"`
	DGA         DGAResult `json:"dga"`
	Factors     []Factor  `json:"factors"`
}

// highRiskTLDs and mediumRiskTLDs rank registries popular with abuse.
var highRiskTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq", ".xyz", ".top", ".loan", ".work", ".click"}
var mediumRiskTLDs = []string{".info", ".biz", ".online", ".site", ".website", ".space"}

// score runs the weighted multi-factor model. For a fixed weight table the
// result depends only on the domain string.
func score(domain string) Analysis {
	features := extractFeatures(domain)
	dga := detectDGA(features)

	factors := make([]Factor, 0, 6)
	var totalWeight, weightedRisk float64

	add := func(f Factor) {
		weightedRisk += f.Weight * f.Score
		totalWeight += f.Weight
		factors = append(factors, f)
	}

	desc := "Domain appears legitimate"
	if dga.IsDGA {
		desc = "Domain appears algorithmically generated"
	}
	add(Factor{Name: "DGA Detection", Weight: 0.30, Score: dga.Confidence, Description: desc})

	entropyScore := features.Entropy / 4.5
	if entropyScore > 1 {
		entropyScore = 1
	}
	add(Factor{
		Name: "Entropy Analysis", Weight: 0.15, Score: entropyScore,
		Description: fmt.Sprintf("Shannon entropy: %.2f", features.Entropy),
	})

	tldScore := tldRisk(domain)
	add(Factor{
		Name: "TLD Risk", Weight: 0.15, Score: tldScore,
		Description: fmt.Sprintf("TLD risk level: %.0f%%", tldScore*100),
	})

	lengthScore := lengthRisk(domain)
	add(Factor{
		Name: "Length Analysis", Weight: 0.10, Score: lengthScore,
		Description: fmt.Sprintf("Domain length: %d chars", len(domain)),
	})

	depthScore := depthRisk(domain)
	add(Factor{
		Name: "Subdomain Depth", Weight: 0.10, Score: depthScore,
		Description: fmt.Sprintf("Depth: %d levels", labelDepth(domain)+1),
	})

	add(Factor{
		Name: "Character Model", Weight: 0.20, Score: features.CharModelScore,
		Description: "Character-level model score",
	})

	var overall float64
	if totalWeight > 0 {
		overall = weightedRisk / totalWeight
		if overall > 1 {
			overall = 1
		}
	}

	return Analysis{
		Domain:      domain,
		OverallRisk: overall,
		Level:       LevelFromScore(overall),
		DGA:         dga,
		Factors:     factors,
	}
}

func tldRisk(domain string) float64 {
	for _, tld := range highRiskTLDs {
		if strings.HasSuffix(domain, tld) {
			return 0.8
		}
	}
	for _, tld := range mediumRiskTLDs {
		if strings.HasSuffix(domain, tld) {
			return 0.4
		}
	}
	return 0
}

func lengthRisk(domain string) float64 {
	switch l := len(domain); {
	case l > 50:
		return 0.8
	case l > 35:
		return 0.5
	case l > 25:
		return 0.2
	default:
		return 0
	}
}

func depthRisk(domain string) float64 {
	switch depth := labelDepth(domain); {
	case depth <= 2:
		return 0
	case depth == 3:
		return 0.2
	case depth == 4:
		return 0.4
	case depth == 5:
		return 0.6
	default:
		return 0.8
	}
}
