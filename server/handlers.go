// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	ctx context.Context
	fin *broadcast.Finalizer
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, fin *broadcast.Finalizer) *Handlers {
	return &Handlers{
		db:  db,
		ctx: ctx,
		fin: fin,
	}
}
