package features

import "strings"

// Vocabulary maps categorical values onto fixed numeric codes. Unknown values
// map to the reserved "other" bucket rather than erroring, so a newly listed
// chain or category cannot break scoring against an older model.
type Vocabulary struct {
	Terms []string `json:"terms"`
}

// OtherBucket is the code assigned to values outside the vocabulary.
func (v *Vocabulary) OtherBucket() float64 {
	return float64(len(v.Terms))
}

// Encode returns the code for a value, case-insensitively.
func (v *Vocabulary) Encode(value string) float64 {
	value = strings.ToLower(strings.TrimSpace(value))
	for i, term := range v.Terms {
		if term == value {
			return float64(i)
		}
	}
	return v.OtherBucket()
}

// DefaultCategoryVocab covers the protocol categories tracked upstream.
func DefaultCategoryVocab() *Vocabulary {
	return &Vocabulary{Terms: []string{
		"lending", "dex", "derivatives", "yield", "bridge",
		"stablecoin", "liquid-staking", "cdp",
	}}
}

// DefaultChainVocab covers the chains tracked upstream.
func DefaultChainVocab() *Vocabulary {
	return &Vocabulary{Terms: []string{
		"ethereum", "solana", "arbitrum", "optimism", "polygon",
		"bsc", "base", "avalanche",
	}}
}
