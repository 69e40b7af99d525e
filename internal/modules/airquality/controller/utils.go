package controller

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thecoderpanda/ard-server/internal/apperr"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/repository"
	"github.com/thecoderpanda/ard-server/internal/utils"
)

const (
	defaultWindowKey = "24h"
	maxBodyBytes     = 1 << 20
)

var dashboardWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// parseWindow resolves ?window= against the fixed set of dashboard windows.
// An empty key yields def.
func parseWindow(r *http.Request, def time.Duration) (time.Duration, error) {
	key := strings.TrimSpace(r.URL.Query().Get("window"))
	if key == "" {
		return def, nil
	}
	d, ok := dashboardWindows[key]
	if !ok {
		return 0, &apperr.ValidationError{Field: "window", Msg: "must be one of 1h, 6h, 24h, 7d"}
	}
	return d, nil
}

func parseID(r *http.Request) (int64, error) {
	s := r.PathValue("id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, &apperr.ValidationError{Field: "id", Msg: "must be a positive integer"}
	}
	return id, nil
}

// parseLimit reads ?limit=; absent means the repository default.
func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &apperr.ValidationError{Field: "limit", Msg: "invalid 'limit' (expected integer)"}
	}
	if n <= 0 {
		return 0, &apperr.ValidationError{Field: "limit", Msg: "'limit' must be > 0"}
	}
	if n > repository.MaxListLimit {
		return 0, &apperr.ValidationError{Field: "limit", Msg: "'limit' must be <= " + strconv.Itoa(repository.MaxListLimit)}
	}
	return n, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &apperr.ValidationError{Field: "body", Msg: "could not read request body"}
	}
	return body, nil
}

type sensorRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func decodeSensorRequest(r *http.Request) (sensorRequest, error) {
	body, err := readBody(r)
	if err != nil {
		return sensorRequest{}, err
	}
	var req sensorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return sensorRequest{}, &apperr.ValidationError{Field: "body", Msg: "invalid JSON"}
	}
	return req, nil
}

// writeAppError answers with the status that matches the error kind. Store
// failures are logged here; their details stay out of the response.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		var se *apperr.StorageError
		msg := "internal error"
		if errors.As(err, &se) {
			msg = "storage failure during " + se.Op
		}
		utils.WriteError(w, status, msg)
		return
	}
	utils.WriteError(w, status, err.Error())
}
