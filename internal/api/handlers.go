// Copyright 2025 James Ross
// handlers.go holds the shared handlers type and small request-parsing
// helpers used across events.go, subscriptions.go, inbox.go, dlq.go,
// health.go, and streaming.go.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
)

type handlers struct {
	deps Deps
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10*1024*1024))
	return dec.Decode(v)
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryDurationSeconds(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func queryCursor(r *http.Request) (*durablestore.Cursor, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, nil
	}
	c, err := durablestore.DecodeCursor(raw)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
