package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openfield-iot/fieldgate-core/internal/command"
)

// handleCommand accepts a producer command on
// POST /api/v1/commands/{application}/{device}/{command}.
//
// The body is the opaque command payload. Delivery is best-effort: the
// command is forwarded to the instance owning the device's channel, and a
// failed forward is reported, never retried.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}

	d := command.Delivery{
		Application: chi.URLParam(r, "application"),
		Device:      chi.URLParam(r, "device"),
		Command:     chi.URLParam(r, "command"),
		ContentType: r.Header.Get("Content-Type"),
		Payload:     payload,
	}

	err = s.commands.Deliver(r.Context(), d)
	if s.sink != nil {
		s.sink.WriteCommandDelivery(d.Application, d.Device, d.Command, err == nil)
	}
	switch {
	case errors.Is(err, command.ErrRouteNotFound):
		writeNotFound(w, "no live channel accepts this command")
		return
	case errors.Is(err, command.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, ErrCodeDeliveryFailed, "owning instance did not accept the command")
		return
	case err != nil:
		writeInternalError(w, "command delivery failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"delivered": true,
	})
}

// handleInbox receives a command forwarded by a peer instance on
// POST /internal/v1/inbox/{session} and pushes it onto the local channel.
//
// A 404 tells the forwarder the session is gone here, so the producer sees
// the delivery fail instead of the command vanishing.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	var d command.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid delivery document")
		return
	}

	if !s.hub.deliver(sessionID, d) {
		writeNotFound(w, "no live channel for session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": true,
	})
}
