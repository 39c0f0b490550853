package risk

// DGAResult is the outcome of the layered generated-name classifier.
type DGAResult struct {
	IsDGA      bool     `json:"is_dga"`
	Confidence float64  `json:"confidence"`
	Family     string   `json:"family,omitempty"`
	Features   Features `json:"features"`
}

// detectDGA combines the feature layers into a confidence in [0,1].
func detectDGA(f Features) DGAResult {
	var confidence float64

	// entropy layer
	if f.Entropy > 3.8 {
		confidence += (f.Entropy - 3.8) / 1.5 * 0.3
	}

	// rare bigram layer
	confidence += f.BigramScore * 0.25

	// character distribution layer
	if f.ConsonantRatio > 0.7 {
		confidence += (f.ConsonantRatio - 0.7) / 0.3 * 0.15
	}

	// generated names often mix in digits
	if f.DigitRatio > 0.2 {
		confidence += f.DigitRatio * 0.15
	}

	// character model layer
	confidence += f.CharModelScore * 0.15

	if confidence > 1 {
		confidence = 1
	}

	result := DGAResult{
		IsDGA:      confidence > 0.5,
		Confidence: confidence,
		Features:   f,
	}

	if confidence > 0.7 {
		result.Family = guessFamily(f)
	}

	return result
}

// guessFamily maps the dominant feature to a known generator style.
func guessFamily(f Features) string {
	switch {
	case f.DigitRatio > 0.3:
		return "Conficker-like"
	case f.Entropy > 4.2 && f.ConsonantRatio > 0.75:
		return "Necurs-like"
	case f.MaxConsonantSequence > 5:
		return "Cryptolocker-like"
	case f.BigramScore > 0.5:
		return "Qakbot-like"
	default:
		return "Unknown DGA"
	}
}
