package controller

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/thecoderpanda/ard-server/internal/modules/airquality/payload"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/views"
	"github.com/thecoderpanda/ard-server/internal/utils"
)

func (c *airQualityControllerImpl) handleOverview(w http.ResponseWriter, r *http.Request) {
	latest, err := c.repository.LatestReadingPerSensor(r.Context())
	if err != nil {
		slog.Error("overview: latest readings failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load sensors")
		return
	}
	data := &views.OverviewData{Sensors: views.NewSensorCards(latest)}
	var buf bytes.Buffer
	if err := views.RenderOverview(&buf, data); err != nil {
		slog.Error("overview template render failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("overview: write response failed", "error", err)
	}
}

func (c *airQualityControllerImpl) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := c.repository.ListSensors(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensors)
}

func (c *airQualityControllerImpl) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSensorRequest(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensor, err := c.repository.CreateSensor(r.Context(), req.Name, req.Description)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, sensor)
}

func (c *airQualityControllerImpl) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensor, err := c.repository.GetSensor(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *airQualityControllerImpl) handleUpdateSensor(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	req, err := decodeSensorRequest(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensor, err := c.repository.UpdateSensor(r.Context(), id, req.Name, req.Description)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *airQualityControllerImpl) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensor, err := c.repository.DeleteSensor(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	slog.Info("sensor deleted", "sensor_id", sensor.ID, "name", sensor.Name)
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *airQualityControllerImpl) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	readings, err := c.repository.ListReadings(r.Context(), id, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, views.NewDisplayReadings(readings))
}

func (c *airQualityControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := c.repository.LatestReadingPerSensor(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, views.NewSensorCards(latest))
}

// handleRegisterSensor returns the existing sensor when the name is taken.
func (c *airQualityControllerImpl) handleRegisterSensor(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSensorRequest(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensor, err := c.repository.FindOrCreateSensorByName(r.Context(), req.Name, req.Description)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{
		"status":    "success",
		"sensor_id": sensor.ID,
		"sensor":    sensor,
	})
}

func (c *airQualityControllerImpl) handleSensorData(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := payload.DecodeSensorDataMessage(body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	reading, err := c.ingestor.IngestSensorData(r.Context(), msg.SensorID, msg.Value, msg.Timestamp)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"reading": views.NewDisplayReading(reading),
	})
}

func (c *airQualityControllerImpl) handleLoRaData(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := payload.DecodeLoRaMessage(body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	reading, err := c.ingestor.IngestLoRa(r.Context(), msg)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{
		"status":    "success",
		"sensor_id": reading.SensorID,
		"stored_data": map[string]any{
			"id":           reading.ID,
			"aqi_value":    reading.AQIValue,
			"co2_ppm":      reading.CO2PPM,
			"aqi_category": reading.AQICategory,
			"timestamp":    types.FormatTimestamp(reading.Timestamp),
		},
	})
}

func (c *airQualityControllerImpl) handleGetReading(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	reading, err := c.repository.GetReading(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, views.NewDisplayReading(reading))
}

// handleUpdateReading takes the same body as POST /api/sensor/data. A missing
// timestamp keeps the stored one.
func (c *airQualityControllerImpl) handleUpdateReading(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := payload.DecodeSensorDataMessage(body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	nr, err := payload.Normalize(msg.Value)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	var ts = msg.Timestamp
	if ts == nil {
		current, err := c.repository.GetReading(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		ts = &current.Timestamp
	}

	reading, err := c.repository.UpdateReading(r.Context(), id, msg.SensorID, nr, *ts)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, views.NewDisplayReading(reading))
}

func (c *airQualityControllerImpl) handleDeleteReading(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sensorID, err := c.repository.DeleteReading(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]int64{"sensor_id": sensorID})
}

// handleDashboardData serves chart series keyed by sensor id.
func (c *airQualityControllerImpl) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, c.defaultWindow)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	series, err := c.repository.WindowedReadings(r.Context(), window)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	out := make(map[string]types.Series, len(series))
	for id, s := range series {
		out[strconv.FormatInt(id, 10)] = s
	}
	utils.WriteJSON(w, http.StatusOK, out)
}
