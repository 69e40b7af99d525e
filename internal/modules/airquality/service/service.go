// Package service turns device payloads into stored readings. It is shared by
// the HTTP endpoints and the MQTT subscriber so both paths normalise and
// attribute readings the same way.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/metrics"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/payload"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/repository"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

type Ingestor struct {
	repository repository.Repository
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewIngestor wires an ingestor. m may be nil; logger defaults to slog.Default.
func NewIngestor(repo repository.Repository, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{repository: repo, metrics: m, logger: logger}
}

// IngestLoRa stores a reading received over HTTP.
func (s *Ingestor) IngestLoRa(ctx context.Context, msg payload.LoRaMessage) (types.Reading, error) {
	return s.ingestLoRa(ctx, metrics.SourceHTTP, msg)
}

// IngestSensorData stores a reading for an explicitly named sensor, which
// must already exist.
func (s *Ingestor) IngestSensorData(ctx context.Context, sensorID int64, p payload.Payload, ts *time.Time) (types.Reading, error) {
	rec, err := s.store(ctx, sensorID, p, ts)
	s.record(metrics.SourceHTTP, err)
	return rec, err
}

// HandleMQTTMessage decodes a LoRa envelope published on the broker and
// stores it. Errors are logged here; the subscriber only sees the result.
func (s *Ingestor) HandleMQTTMessage(topic string, body []byte) error {
	msg, err := payload.DecodeLoRaMessage(body)
	if err != nil {
		s.record(metrics.SourceMQTT, err)
		s.logger.Warn("rejected mqtt payload", "topic", topic, "error", err, "payload", string(body))
		return err
	}

	rec, err := s.ingestLoRa(context.Background(), metrics.SourceMQTT, msg)
	if err != nil {
		s.logger.Error("failed to store mqtt reading", "topic", topic, "error", err)
		return err
	}
	s.logger.Debug("stored mqtt reading", "topic", topic, "reading_id", rec.ID, "sensor_id", rec.SensorID)
	return nil
}

func (s *Ingestor) ingestLoRa(ctx context.Context, source string, msg payload.LoRaMessage) (types.Reading, error) {
	rec, err := s.attributeAndStore(ctx, msg)
	s.record(source, err)
	return rec, err
}

// attributeAndStore normalises before resolving the sensor so a rejected
// payload never creates the default sensor.
func (s *Ingestor) attributeAndStore(ctx context.Context, msg payload.LoRaMessage) (types.Reading, error) {
	nr, err := payload.Normalize(msg.Value)
	if err != nil {
		return types.Reading{}, err
	}
	if msg.SensorID != nil {
		return s.repository.CreateReading(ctx, *msg.SensorID, nr, msg.Timestamp)
	}
	sensor, err := s.repository.FindOrCreateSensorByName(ctx, types.DefaultSensorName, types.DefaultSensorDescription)
	if err != nil {
		return types.Reading{}, err
	}
	return s.repository.CreateReading(ctx, sensor.ID, nr, msg.Timestamp)
}

func (s *Ingestor) store(ctx context.Context, sensorID int64, p payload.Payload, ts *time.Time) (types.Reading, error) {
	nr, err := payload.Normalize(p)
	if err != nil {
		return types.Reading{}, err
	}
	return s.repository.CreateReading(ctx, sensorID, nr, ts)
}

func (s *Ingestor) record(source string, err error) {
	if err == nil {
		s.metrics.ReadingIngested(source)
		return
	}
	s.metrics.PayloadRejected(source, Reason(err))
}

// Reason names the kind of an ingestion error for metrics and logs.
func Reason(err error) string {
	var (
		ve *apperr.ValidationError
		pe *apperr.ParseError
		ne *apperr.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &ne):
		return "not_found"
	default:
		return "storage"
	}
}
