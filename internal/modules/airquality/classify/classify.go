// Package classify buckets AQI values into the US EPA severity bands.
package classify

import (
	"math"
	"strconv"
	"strings"
)

// Tier is the machine-readable slug of a category, used as a CSS class by
// the views.
type Tier string

const (
	TierUnknown            Tier = ""
	TierGood               Tier = "good"
	TierModerate           Tier = "moderate"
	TierUnhealthySensitive Tier = "unhealthy-sensitive"
	TierUnhealthy          Tier = "unhealthy"
	TierVeryUnhealthy      Tier = "very-unhealthy"
	TierHazardous          Tier = "hazardous"
)

const UnknownLabel = "Unknown"

type Category struct {
	Label string `json:"label"`
	Tier  Tier   `json:"tier"`
}

var Unknown = Category{Label: UnknownLabel, Tier: TierUnknown}

// bands are evaluated in order; Max is an inclusive upper bound.
var bands = []struct {
	Max      float64
	Category Category
}{
	{50, Category{"Good", TierGood}},
	{100, Category{"Moderate", TierModerate}},
	{150, Category{"Unhealthy for Sensitive Groups", TierUnhealthySensitive}},
	{200, Category{"Unhealthy", TierUnhealthy}},
	{300, Category{"Very Unhealthy", TierVeryUnhealthy}},
	{math.Inf(1), Category{"Hazardous", TierHazardous}},
}

// Classify never fails: nil and non-finite values are Unknown.
func Classify(aqi *float64) Category {
	if aqi == nil {
		return Unknown
	}
	v := *aqi
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unknown
	}
	for _, b := range bands {
		if v <= b.Max {
			return b.Category
		}
	}
	return Unknown
}

// ClassifyText parses s as a number first; anything unparseable is Unknown.
func ClassifyText(s string) Category {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Unknown
	}
	return Classify(&v)
}

// Resolve returns the category shown for a reading. A non-empty stored
// category wins as-is and carries no tier.
func Resolve(stored *string, aqi *float64) Category {
	if stored != nil && strings.TrimSpace(*stored) != "" {
		return Category{Label: *stored, Tier: TierUnknown}
	}
	return Classify(aqi)
}
