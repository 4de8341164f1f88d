// Package middleware provides observability for the board sync server.
//
// Event middleware wraps the handling of every inbound WebSocket event and
// plugs into server.WithEventMiddleware. HTTP middleware plugs into
// server.WithHTTPMiddleware.
//
// # Prometheus Metrics
//
//	metrics := middleware.NewMetrics(middleware.WithRegistry(reg))
//	srv, err := server.New(cfg, backend,
//	    server.WithEventMiddleware(metrics.Middleware()),
//	    server.WithCacheObserver(metrics),
//	    server.WithConnObserver(metrics),
//	    server.WithMetricsHandler(metrics.Handler()),
//	)
//
// # OpenTelemetry Tracing
//
//	server.WithEventMiddleware(middleware.OpenTelemetry(
//	    middleware.WithTracerName("boardsync"),
//	    middleware.WithIncludeUserID(true),
//	))
//
// Each event becomes a span named "boardsync.<type>" carrying the connection
// id, board id and outcome.
//
// # Request Logging
//
//	server.WithHTTPMiddleware(middleware.RequestLogger(logger))
package middleware
