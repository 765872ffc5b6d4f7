package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bespoke/pkg/router"
	"bespoke/pkg/routerapi"
	"bespoke/pkg/types"
)

const (
	nodeIDParam     = "node-id"
	maxHistoryLimit = 1000

	msgNoNode = "No node specified. Must be included with the querystring as node-id."
)

// respond writes a plain text body with the given status.
func respond(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	io.WriteString(w, body)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.banner)
}

// handleWebhook forwards a webhook to the node named in the query string and
// mirrors the node's reply back to the caller.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get(nodeIDParam)
	if nodeID == "" {
		respond(w, http.StatusBadRequest, msgNoNode)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(w, http.StatusRequestEntityTooLarge, "Request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		respond(w, http.StatusBadRequest, "Error reading request body: "+err.Error())
		return
	}

	rec := &types.ExchangeRecord{
		NodeID:  nodeID,
		Method:  r.Method,
		Path:    r.URL.Path,
		Started: time.Now(),
	}
	resp, err := s.forwarder.Forward(r.Context(), nodeID, &routerapi.ForwardRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})

	switch {
	case err == nil:
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		rec.Outcome, rec.Status = types.OutcomeOK, resp.Status
	case errors.Is(err, router.ErrNodeNotFound):
		respond(w, http.StatusNotFound, "Node is not active: "+nodeID)
		rec.Outcome, rec.Status = types.OutcomeNotFound, http.StatusNotFound
	case errors.Is(err, router.ErrNodeTimeout):
		respond(w, http.StatusGatewayTimeout, "Node did not respond in time: "+nodeID)
		rec.Outcome, rec.Status = types.OutcomeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, router.ErrNodeDisconnected):
		respond(w, http.StatusBadGateway, "Node disconnected: "+nodeID)
		rec.Outcome, rec.Status = types.OutcomeDisconnected, http.StatusBadGateway
	case errors.Is(err, router.ErrInvalidResponse):
		respond(w, http.StatusBadGateway, "Node sent an invalid response: "+nodeID)
		rec.Outcome, rec.Status = types.OutcomeError, http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller is gone, nothing to write.
		rec.Outcome = types.OutcomeCanceled
	default:
		s.logger.Error("failed to forward webhook", zap.String("node_id", nodeID), zap.Error(err))
		respond(w, http.StatusInternalServerError, "Error forwarding request: "+err.Error())
		rec.Outcome, rec.Status = types.OutcomeError, http.StatusInternalServerError
	}
	rec.Duration = time.Since(rec.Started)

	if f, ok := w.(http.Flusher); ok && rec.Outcome != types.OutcomeCanceled {
		f.Flush()
	}
	s.finish(r.Context(), rec)
}

// finish records the exchange once the caller has its response.
func (s *Server) finish(ctx context.Context, rec *types.ExchangeRecord) {
	s.metrics.ExchangeFinished(rec.Outcome, rec.Duration)
	s.logger.Debug("webhook finished",
		zap.String("node_id", rec.NodeID),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("status", rec.Status),
		zap.Duration("duration", rec.Duration))

	// Unknown node ids are chosen by the caller and are never stored.
	if s.history == nil || rec.Outcome == types.OutcomeNotFound {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		s.logger.Warn("failed to generate exchange record id", zap.Error(err))
		return
	}
	rec.ID = id.String()
	if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record exchange", zap.String("node_id", rec.NodeID), zap.Error(err))
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": s.nodes.IDs()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeID := q.Get(nodeIDParam)
	if nodeID == "" {
		respond(w, http.StatusBadRequest, msgNoNode)
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			respond(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := s.history.List(r.Context(), nodeID, limit)
	if err != nil {
		s.logger.Error("failed to list exchange history", zap.String("node_id", nodeID), zap.Error(err))
		respond(w, http.StatusInternalServerError, "Error reading history: "+err.Error())
		return
	}
	if records == nil {
		records = []*types.ExchangeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}
