package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chronoplan/internal/engine"
	"chronoplan/internal/orchestrator"
	"chronoplan/internal/plan"
	"chronoplan/internal/policy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant as an HTTP service",
	Long: `Exposes the assistant over HTTP:

  POST /message            handle one message   {"session_id", "message"}
  GET  /stream             same, as SSE trace events plus a final reply
  POST /confirm            apply writes {"session_id", "confirmed", "writes"};
                           without writes, applies the session's staged plan
  POST /cancel             discard the staged plan {"session_id"}
  GET  /policies           list scheduling policies
  POST /policies           create a policy
  POST /policies/{id}/toggle  enable or disable {"enabled": bool}`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := configFrom(cmd.Context())
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newServerHandler(a),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout())
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// confirmRequest is the /confirm body. Confirmed defaults to true when
// omitted; Writes, when present, are applied out of band.
type confirmRequest struct {
	SessionID string        `json:"session_id"`
	Confirmed *bool         `json:"confirmed"`
	Writes    []plan.Action `json:"writes"`
}

func (c confirmRequest) confirmed() bool {
	return c.Confirmed == nil || *c.Confirmed
}

func newServerHandler(a *app) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeMessage(w, r)
		if !ok {
			return
		}
		resp, err := a.orch.HandleMessage(r.Context(), req.SessionID, req.Message)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		message := r.URL.Query().Get("message")
		if sessionID == "" || message == "" {
			httpError(w, http.StatusBadRequest, errors.New("session_id and message are required"))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		onTrace := func(tr engine.TraceEntry) {
			writeSSE(w, "trace", tr)
			flusher.Flush()
		}
		resp, err := a.orch.HandleMessageStream(r.Context(), sessionID, message, onTrace)
		if err != nil {
			writeSSE(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}
		writeSSE(w, "reply", resp)
		flusher.Flush()
	})

	mux.HandleFunc("POST /confirm", func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, errors.New("session_id is required"))
			return
		}

		// Writes in the body make this an out-of-band confirmation,
		// independent of the session's staged plan.
		var resp *orchestrator.Response
		var err error
		if len(req.Writes) > 0 {
			resp, err = a.orch.ConfirmWrites(r.Context(), req.SessionID, req.confirmed(), req.Writes)
		} else if !req.confirmed() {
			had := a.orch.CancelPending(req.SessionID)
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": had})
			return
		} else {
			resp, err = a.orch.ConfirmPending(r.Context(), req.SessionID)
		}
		if errors.Is(err, orchestrator.ErrNoPendingPlan) {
			httpError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /cancel", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeMessage(w, r)
		if !ok {
			return
		}
		had := a.orch.CancelPending(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": had})
	})

	mux.HandleFunc("GET /policies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.policies.List())
	})

	mux.HandleFunc("POST /policies", func(w http.ResponseWriter, r *http.Request) {
		var p policy.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.policies.Create(p)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("POST /policies/{id}/toggle", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.policies.Toggle(r.PathValue("id"), body.Enabled)
		if err != nil {
			httpError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})

	return mux
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (messageRequest, bool) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return req, false
	}
	if req.SessionID == "" {
		httpError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
