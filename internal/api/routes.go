package api

import (
	"net/http"

	"go.uber.org/zap"
)

// SetupRoutes wires the operational endpoints and the stream socket
// behind the shared middleware chain
func SetupRoutes(handler *Handler, stream http.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", handler.HealthCheck)
	mux.HandleFunc("/api/v1/stats", handler.GetStats)
	mux.HandleFunc("/api/v1/recordings", handler.ListRecordings)
	mux.HandleFunc("/api/v1/recordings/", handler.GetRecording)

	// Stream socket: control messages and JPEG frames in, redacted
	// preview frames out.
	mux.Handle("/ws/stream", stream)

	// Apply middleware
	wrapped := LoggingMiddleware(logger, mux)
	wrapped = RecoveryMiddleware(logger, wrapped)
	wrapped = CORSMiddleware(wrapped)

	return wrapped
}
