package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openfield-iot/fieldgate-core/internal/auth"
	"github.com/openfield-iot/fieldgate-core/internal/event"
	"github.com/openfield-iot/fieldgate-core/internal/ingest"
	"github.com/openfield-iot/fieldgate-core/internal/policy"
)

// hintlessDevice is the path segment meaning "the credential identifies
// the device": unique usernames and certificate subjects carry their own
// hint.
const hintlessDevice = "-"

// handleIngest accepts one device message on
// POST /api/v1/ingest/{application}/{device}/{channel}.
//
// Devices authenticate with HTTP basic auth. An empty basic username
// presents the password alone; otherwise the pair is presented as a
// username/password credential. The X-On-Behalf-Of header names the
// target device when a gateway transmits for another device, and
// X-Event-Type overrides the default event type.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	presented, ok := devicePresented(r, w)
	if !ok {
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}

	msg := ingest.Message{
		Application: chi.URLParam(r, "application"),
		DeviceHint:  deviceHint(r),
		Credential:  presented,
		OnBehalfOf:  r.Header.Get("X-On-Behalf-Of"),
		Channel:     chi.URLParam(r, "channel"),
		Type:        r.Header.Get("X-Event-Type"),
		ContentType: r.Header.Get("Content-Type"),
		Payload:     payload,
	}

	result, err := s.ingest.Ingest(r.Context(), msg)
	switch {
	case errors.Is(err, auth.ErrAuthFailed), errors.Is(err, auth.ErrInvalidPresented):
		unauthorizedDevice(w)
		return
	case errors.Is(err, auth.ErrGatewayNotTrusted):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "gateway not trusted for target device")
		return
	case errors.Is(err, event.ErrMalformedPayload):
		writeBadRequest(w, "payload does not match declared content type")
		return
	case errors.Is(err, policy.ErrServerError):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "policy endpoint unavailable")
		return
	case err != nil:
		writeInternalError(w, "message processing failed")
		return
	}

	if result.Outcome.Decision == policy.DecisionReject {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeRejected, result.Outcome.Reason)
		return
	}

	// Drops acknowledge exactly like accepts: the device must not be able
	// to tell the two apart.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id": result.Event.ID,
	})
}

// deviceHint extracts the device path segment, translating the hintless
// marker to an empty hint.
func deviceHint(r *http.Request) string {
	device := chi.URLParam(r, "device")
	if device == hintlessDevice {
		return ""
	}
	return device
}

// devicePresented builds the presented credential from HTTP basic auth.
// On failure it writes the 401 response and returns ok=false.
func devicePresented(r *http.Request, w http.ResponseWriter) (auth.Presented, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		unauthorizedDevice(w)
		return auth.Presented{}, false
	}

	if username == "" {
		return auth.Presented{Password: &password}, true
	}
	return auth.Presented{
		UsernamePassword: &auth.PresentedUsernamePassword{
			Username: username,
			Password: password,
		},
	}, true
}

// unauthorizedDevice writes the 401 device-auth challenge.
func unauthorizedDevice(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="fieldgate"`)
	writeUnauthorized(w, "device authentication failed")
}
