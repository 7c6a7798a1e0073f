// Package api implements the HTTP REST API for the SenseHub automation engine.
//
// This package provides:
//   - CRUD endpoints for automations, plus enable and disable
//   - Manual trigger and dry-run (test) endpoints
//   - Run history and activity log listings
//   - Middleware stack (request ID, logging, recovery, CORS, body limit, rate limit)
//
// # Architecture
//
// The server sits in front of the automation Registry and Engine. Definition
// changes go through the Registry, which validates them and notifies the
// Engine so pending timers of a changed automation are cancelled. Triggers go
// straight to the Engine and return the finalized run.
//
// # Errors
//
// Every failure is a JSON body of the form
//
//	{"status": 409, "code": "RUN_IN_PROGRESS", "message": "..."}
//
// Domain errors from the automation package are mapped to status codes in
// one place (writeDomainError).
package api
