// Package respond writes the JSON response envelope used by every handler.
package respond

import (
	"encoding/json"
	"net/http"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// OK writes a 200 response with the given payload.
func OK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

// Created writes a 201 response with the given payload.
func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, response{Success: true, Data: data})
}

// Fail writes an error response with the given status code.
func Fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, response{Success: false, Error: err.Error()})
}
