package services

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
)

// traceIDFromContext pulls the chi request ID so audit records can be
// correlated with the request that caused them. Empty outside an HTTP
// request (background sweeps, tests).
func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}
