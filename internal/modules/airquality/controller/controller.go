package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/thecoderpanda/ard-server/internal/modules/airquality/payload"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/repository"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

type AirQualityController interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Ingestor is the part of the ingestion service the HTTP surface needs.
type Ingestor interface {
	IngestLoRa(ctx context.Context, msg payload.LoRaMessage) (types.Reading, error)
	IngestSensorData(ctx context.Context, sensorID int64, p payload.Payload, ts *time.Time) (types.Reading, error)
}

type airQualityControllerImpl struct {
	repository    repository.Repository
	ingestor      Ingestor
	defaultWindow time.Duration
}

func NewAirQualityController(repo repository.Repository, ingestor Ingestor, defaultWindow time.Duration) AirQualityController {
	if defaultWindow <= 0 {
		defaultWindow = dashboardWindows[defaultWindowKey]
	}
	return &airQualityControllerImpl{repository: repo, ingestor: ingestor, defaultWindow: defaultWindow}
}

func (c *airQualityControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handleOverview)

	mux.HandleFunc("GET /api/sensors", c.handleListSensors)
	mux.HandleFunc("POST /api/sensors", c.handleCreateSensor)
	mux.HandleFunc("GET /api/sensors/latest", c.handleLatest)
	mux.HandleFunc("GET /api/sensors/{id}", c.handleGetSensor)
	mux.HandleFunc("PUT /api/sensors/{id}", c.handleUpdateSensor)
	mux.HandleFunc("DELETE /api/sensors/{id}", c.handleDeleteSensor)
	mux.HandleFunc("GET /api/sensors/{id}/readings", c.handleSensorReadings)

	mux.HandleFunc("POST /api/sensor/register", c.handleRegisterSensor)
	mux.HandleFunc("POST /api/sensor/data", c.handleSensorData)
	mux.HandleFunc("GET /api/sensor/data/{id}", c.handleSensorReadings)
	mux.HandleFunc("POST /api/lora/data", c.handleLoRaData)

	mux.HandleFunc("GET /api/readings/{id}", c.handleGetReading)
	mux.HandleFunc("PUT /api/readings/{id}", c.handleUpdateReading)
	mux.HandleFunc("DELETE /api/readings/{id}", c.handleDeleteReading)

	mux.HandleFunc("GET /dashboard/data", c.handleDashboardData)
}
