// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/mitchellh/mapstructure"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

// envelope wraps every REST response.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(err error) *apiError {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrRuntime
	}
	return &apiError{Code: string(code), Message: err.Error()}
}

// statusFor maps an error code to the HTTP status clients see.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidState, errors.ErrPortBusy:
		return http.StatusConflict
	case errors.ErrNotConnected, errors.ErrLinkLost:
		return http.StatusServiceUnavailable
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrMalformed, errors.ErrFirmware:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.log.WithError(err).Debug("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := s.log.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: errorBody(err)})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(err, errors.ErrValidation, "invalid request body")
	}
	return nil
}

// patch applies a partial update onto dst through its mapstructure tags.
// Durations may be strings such as "150ms".
func patch(dst any, body map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(body); err != nil {
		return errors.Wrap(err, errors.ErrValidation, "invalid update")
	}
	return nil
}
