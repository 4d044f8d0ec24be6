package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"ghbridge/control"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxControlBodyBytes = 1 << 10
	invalidStateMessage = `State must be "on" or "off"`
)

type statusResponse struct {
	Status string `json:"status"`
	MQTT   string `json:"mqtt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type controlRequest struct {
	State *string `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mqttState := "disconnected"
	if s.opts.Bus != nil && s.opts.Bus.Connected() {
		mqttState = "connected"
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "online", MQTT: mqttState})
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Store.Read())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Tracker.Snapshot())
}

// Purpose: Translate POST /api/control/{actuator} into a command.
// Key aspects: Missing or invalid state is a 400 with no side effects;
// unknown actuators are 404.
// Upstream: HTTP client (dashboard).
// Downstream: Commander.SetActuator.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	actuator := r.PathValue("actuator")
	if _, err := control.ParseActuator(actuator); err != nil {
		writeError(w, http.StatusNotFound, "Unknown actuator")
		return
	}

	var req controlRequest
	body := http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	state := ""
	if req.State != nil {
		state = *req.State
	}

	accepted, err := s.opts.Commander.SetActuator(r.Context(), actuator, state)
	switch {
	case errors.Is(err, control.ErrUnknownActuator):
		writeError(w, http.StatusNotFound, "Unknown actuator")
		return
	case errors.Is(err, control.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, invalidStateMessage)
		return
	case err != nil:
		log.Printf("Control: %s failed: %v", actuator, err)
		writeError(w, http.StatusInternalServerError, "Command failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		actuator:  accepted,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("HTTP: encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
