package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer exposes the invocation contract over HTTP.
type APIServer struct {
	server   *http.Server
	executor *Executor
	logger   *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(executor *Executor, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		executor: executor,
		logger:   logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/invoke", s.invokeHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// invokeRequest is the common envelope for all actions. The remaining
// fields are decoded per action.
type invokeRequest struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// statusFor maps taxonomy codes to HTTP statuses.
func statusFor(err error) int {
	switch ErrorCode(err) {
	case CodeConfiguration:
		return http.StatusUnprocessableEntity
	case CodeLimitExceeded:
		return http.StatusTooManyRequests
	case CodeExchange:
		return http.StatusBadGateway
	case CodeInvalidAction:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{
		Success: false,
		Error:   err.Error(),
		Code:    ErrorCode(err),
	})
}

// invokeHandler dispatches on the action field. Every error raised by
// the core is turned into a structured failure response here, never an
// unhandled fault.
func (s *APIServer) invokeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	l := s.logger.With(zap.String("request_id", requestID))

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "invalid JSON body"})
		return
	}
	var envelope invokeRequest
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "invalid JSON body"})
		return
	}

	l.Info("Handling invocation",
		zap.String("action", envelope.Action),
		zap.String("user_id", envelope.UserID),
	)

	switch envelope.Action {
	case "execute_trade":
		s.handleExecuteTrade(w, r, l, body)
	case "check_tp_sl":
		s.handleCheckTPSL(w, r, envelope.UserID)
	case "get_account_info":
		s.handleGetAccountInfo(w, r, envelope.UserID)
	default:
		s.writeError(w, &InvalidActionError{Action: envelope.Action})
	}
}

func (s *APIServer) handleExecuteTrade(w http.ResponseWriter, r *http.Request, l *zap.Logger, body json.RawMessage) {
	var req TradeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "invalid trade request"})
		return
	}

	result, err := s.executor.ExecuteTrade(r.Context(), req)
	if err != nil {
		l.Warn("Trade execution failed", zap.Error(err))
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*ExecuteResult
	}{Success: true, ExecuteResult: result})
}

func (s *APIServer) handleCheckTPSL(w http.ResponseWriter, r *http.Request, userID string) {
	outcomes, err := s.executor.CheckProtectiveExits(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []ExitOutcome{}
	}

	s.writeJSON(w, http.StatusOK, struct {
		Success bool          `json:"success"`
		Results []ExitOutcome `json:"results"`
	}{Success: true, Results: outcomes})
}

func (s *APIServer) handleGetAccountInfo(w http.ResponseWriter, r *http.Request, userID string) {
	raw, err := s.executor.GetAccountInfo(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Account json.RawMessage `json:"account"`
	}{Success: true, Account: raw})
}
