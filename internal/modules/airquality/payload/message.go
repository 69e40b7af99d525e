package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

// LoRaMessage is the envelope LoRa bridges send over HTTP and MQTT.
// A nil SensorID attributes the reading to the default sensor.
type LoRaMessage struct {
	Value     Payload
	SensorID  *int64
	Timestamp *time.Time
}

// SensorDataMessage is the envelope for readings with an explicit sensor.
type SensorDataMessage struct {
	SensorID  int64
	Value     Payload
	Timestamp *time.Time
}

type wireMessage struct {
	Value     json.RawMessage `json:"value"`
	SensorID  json.RawMessage `json:"sensor_id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode resolves a JSON value into a Payload: numbers become NumericPayload,
// strings become TextPayload.
func Decode(raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, &apperr.ValidationError{Field: "value", Msg: "is required"}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &apperr.ValidationError{Field: "value", Msg: "invalid string"}
		}
		return TextPayload{Text: s}, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &apperr.ValidationError{Field: "value", Msg: "must be a number or a string"}
	}
	return NumericPayload{Value: f}, nil
}

func DecodeLoRaMessage(body []byte) (LoRaMessage, error) {
	w, err := decodeWire(body)
	if err != nil {
		return LoRaMessage{}, err
	}
	value, err := Decode(w.Value)
	if err != nil {
		return LoRaMessage{}, err
	}
	sensorID, err := decodeSensorID(w.SensorID)
	if err != nil {
		return LoRaMessage{}, err
	}
	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return LoRaMessage{}, err
	}
	return LoRaMessage{Value: value, SensorID: sensorID, Timestamp: ts}, nil
}

func DecodeSensorDataMessage(body []byte) (SensorDataMessage, error) {
	w, err := decodeWire(body)
	if err != nil {
		return SensorDataMessage{}, err
	}
	sensorID, err := decodeSensorID(w.SensorID)
	if err != nil {
		return SensorDataMessage{}, err
	}
	if sensorID == nil {
		return SensorDataMessage{}, &apperr.ValidationError{Field: "sensor_id", Msg: "is required"}
	}
	value, err := Decode(w.Value)
	if err != nil {
		return SensorDataMessage{}, err
	}
	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return SensorDataMessage{}, err
	}
	return SensorDataMessage{SensorID: *sensorID, Value: value, Timestamp: ts}, nil
}

func decodeWire(body []byte) (wireMessage, error) {
	var w wireMessage
	if len(bytes.TrimSpace(body)) == 0 {
		return w, &apperr.ValidationError{Field: "body", Msg: "is empty"}
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return w, &apperr.ValidationError{Field: "body", Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return w, nil
}

// decodeSensorID accepts a JSON integer or a numeric string. Zero, empty and
// null mean "not given".
func decodeSensorID(raw json.RawMessage) (*int64, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &apperr.ValidationError{Field: "sensor_id", Msg: "invalid string"}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
	} else {
		s = string(raw)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "sensor_id", Msg: fmt.Sprintf("must be an integer, got %s", s)}
	}
	if id == 0 {
		return nil, nil
	}
	return &id, nil
}

func decodeTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &apperr.ValidationError{Field: "timestamp", Msg: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	ts, err := types.ParseTimestamp(s)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "timestamp", Msg: err.Error()}
	}
	return &ts, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
