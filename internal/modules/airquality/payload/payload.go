// Package payload turns inbound device values into normalized readings.
//
// Devices send either a bare number (AQI) or a composite text such as
//
//	CO2: 812ppm, AQI: 42, Zone: Living Room
//
// The value is resolved once into a Payload at the boundary and then handed
// to Normalize.
package payload

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

type Payload interface {
	isPayload()
}

type NumericPayload struct {
	Value float64
}

type TextPayload struct {
	Text string
}

func (NumericPayload) isPayload() {}
func (TextPayload) isPayload()    {}

const (
	co2Marker  = "CO2:"
	aqiMarker  = "AQI:"
	zoneMarker = "Zone:"
)

var (
	co2Re  = regexp.MustCompile(`(?s)CO2:(?P<co2>.*?)ppm`)
	aqiRe  = regexp.MustCompile(`AQI:(?P<aqi>[^,]*)`)
	zoneRe = regexp.MustCompile(`(?s)Zone:(?P<zone>.*)$`)
)

var errNotFinite = errors.New("not a finite number")

// Normalize never returns a partially filled reading together with an error.
// A missing CO2 or zone is tolerated; an AQI that does not parse is not.
func Normalize(p Payload) (types.NormalizedReading, error) {
	switch v := p.(type) {
	case NumericPayload:
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			return types.NormalizedReading{}, &apperr.ParseError{
				Field: "aqi",
				Input: strconv.FormatFloat(v.Value, 'g', -1, 64),
				Err:   errNotFinite,
			}
		}
		aqi := v.Value
		return types.NormalizedReading{AQIValue: &aqi}, nil
	case TextPayload:
		return normalizeText(v.Text)
	case nil:
		return types.NormalizedReading{}, &apperr.ValidationError{Field: "value", Msg: "is required"}
	default:
		return types.NormalizedReading{}, &apperr.ValidationError{Field: "value", Msg: "unsupported payload"}
	}
}

// NormalizeText is Normalize(TextPayload{Text: s}).
func NormalizeText(s string) (types.NormalizedReading, error) {
	return Normalize(TextPayload{Text: s})
}

func normalizeText(text string) (types.NormalizedReading, error) {
	if !strings.Contains(text, co2Marker) || !strings.Contains(text, aqiMarker) {
		aqi, err := parseNumber("aqi", text)
		if err != nil {
			return types.NormalizedReading{}, err
		}
		return types.NormalizedReading{AQIValue: &aqi}, nil
	}

	var out types.NormalizedReading

	if m := co2Re.FindStringSubmatch(text); m != nil {
		co2, err := parseNumber("co2", m[co2Re.SubexpIndex("co2")])
		if err != nil {
			return types.NormalizedReading{}, err
		}
		out.CO2PPM = &co2
	}

	m := aqiRe.FindStringSubmatch(text)
	if m == nil {
		return types.NormalizedReading{}, &apperr.ParseError{Field: "aqi", Input: text}
	}
	aqi, err := parseNumber("aqi", m[aqiRe.SubexpIndex("aqi")])
	if err != nil {
		return types.NormalizedReading{}, err
	}
	out.AQIValue = &aqi

	if strings.Contains(text, zoneMarker) {
		if m := zoneRe.FindStringSubmatch(text); m != nil {
			if zone := strings.TrimSpace(m[zoneRe.SubexpIndex("zone")]); zone != "" {
				out.AQICategory = &zone
			}
		}
	}

	return out, nil
}

func parseNumber(field, raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return 0, &apperr.ParseError{Field: field, Input: s, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &apperr.ParseError{Field: field, Input: s, Err: errNotFinite}
	}
	return v, nil
}
