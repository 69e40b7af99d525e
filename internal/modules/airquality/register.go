package airquality

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/thecoderpanda/ard-server/internal/metrics"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/controller"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/repository"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/service"
)

// RegisterFeature mounts the air-quality routes on mux and returns the
// ingestor so other transports can share it.
func RegisterFeature(mux *http.ServeMux, db *sql.DB, m *metrics.Metrics, logger *slog.Logger, dashboardWindow time.Duration) *service.Ingestor {
	airQualityRepository := repository.NewRepository(db)
	ingestor := service.NewIngestor(airQualityRepository, m, logger)
	airQualityController := controller.NewAirQualityController(airQualityRepository, ingestor, dashboardWindow)
	airQualityController.RegisterRoutes(mux)
	return ingestor
}
