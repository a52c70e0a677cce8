package postgres

import "errors"

// ErrNotFound indicates a requested resource does not exist.
var ErrNotFound = errors.New("telemetry/postgres: resource not found")
