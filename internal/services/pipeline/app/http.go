package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/domain/command"
	"github.com/louisbranch/causeway/internal/services/pipeline/fanout"
	"github.com/louisbranch/causeway/internal/services/pipeline/ledger"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// Handler returns the HTTP surface: command ingress and reads, ledger
// streams, the fan-out subscription endpoint, operator endpoints, metrics and
// health.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commands", rt.handleCommand)
	rt.routeReads(mux)

	mux.HandleFunc("GET /v1/ledger/streams/{stream}", rt.handleReadStream)
	mux.HandleFunc("GET /v1/ledger/streams/{stream}/verify", rt.handleVerify)
	mux.HandleFunc("POST /v1/ledger/streams/{stream}/records", rt.handleAppendRecord)
	mux.HandleFunc("POST /v1/ledger/streams/{stream}/merge", rt.handleMerge)
	mux.HandleFunc("POST /v1/ledger/records/{record}/branch", rt.handleBranch)
	mux.HandleFunc("DELETE /v1/ledger/records/{record}", rt.handleDeleteRecord)

	if rt.verifier != nil {
		mux.Handle("GET "+fanout.SubscribePath, fanout.NewHandler(rt.hub, rt.verifier, rt.logger.With("component", "fanout")))
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", rt.handleHealth)
	return mux
}

func (rt *Runtime) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if !decodeBody(w, r, &cmd) {
		return
	}
	accepted, err := rt.ingress.Accept(r.Context(), cmd)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

type recordJSON struct {
	ID             string    `json:"id"`
	StreamID       string    `json:"streamId"`
	ParentID       string    `json:"parentId,omitempty"`
	Content        string    `json:"content"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
	PreviousHash   string    `json:"previousHash,omitempty"`
	Hash           string    `json:"hash"`
	Deleted        bool      `json:"deleted,omitempty"`
	RefEventID     string    `json:"refEventId,omitempty"`
	SignatureKeyID string    `json:"signatureKeyId,omitempty"`
}

func toRecordJSON(rec storage.LedgerRecord) recordJSON {
	return recordJSON{
		ID:             rec.ID,
		StreamID:       rec.StreamID,
		ParentID:       rec.ParentID,
		Content:        rec.Content,
		UserID:         rec.UserID,
		Timestamp:      rec.Timestamp.UTC(),
		PreviousHash:   rec.PreviousHash,
		Hash:           rec.Hash,
		Deleted:        rec.Deleted,
		RefEventID:     rec.RefEventID,
		SignatureKeyID: rec.SignatureKeyID,
	}
}

type streamJSON struct {
	StreamID   string         `json:"streamId"`
	Records    []recordJSON   `json:"records"`
	Verified   bool           `json:"verified"`
	BrokenAtID string         `json:"brokenAtId,omitempty"`
	Code       apperrors.Code `json:"code,omitempty"`
}

func (rt *Runtime) handleReadStream(w http.ResponseWriter, r *http.Request) {
	view, err := rt.ledger.ReadStream(r.Context(), r.PathValue("stream"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	out := streamJSON{
		StreamID:   view.StreamID,
		Records:    make([]recordJSON, 0, len(view.Records)),
		Verified:   view.Verified,
		BrokenAtID: view.BrokenAtID,
		Code:       view.Code,
	}
	for _, rec := range view.Records {
		out.Records = append(out.Records, toRecordJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Runtime) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := rt.ledger.Verify(r.Context(), r.PathValue("stream"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type appendRequest struct {
	ParentID   string `json:"parentId"`
	Content    string `json:"content"`
	UserID     string `json:"userId"`
	RefEventID string `json:"refEventId"`
}

func (rt *Runtime) handleAppendRecord(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := rt.ledger.Append(r.Context(), ledger.AppendInput{
		StreamID:   r.PathValue("stream"),
		ParentID:   req.ParentID,
		Content:    req.Content,
		UserID:     req.UserID,
		RefEventID: req.RefEventID,
	})
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordJSON(rec))
}

type mergeRequest struct {
	BranchStreamID string `json:"branchStreamId"`
	Content        string `json:"content"`
	UserID         string `json:"userId"`
}

func (rt *Runtime) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := rt.ledger.Merge(r.Context(), r.PathValue("stream"), req.BranchStreamID, req.Content, req.UserID)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordJSON(rec))
}

type branchRequest struct {
	UserID string `json:"userId"`
}

func (rt *Runtime) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	streamID, err := rt.ledger.Branch(r.Context(), r.PathValue("record"), req.UserID)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"streamId": streamID})
}

func (rt *Runtime) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	changed, err := rt.ledger.Delete(r.Context(), r.PathValue("record"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": changed})
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := rt.events.Ping(r.Context()); err != nil {
		rt.logger.Warn("health check failed", "error", err)
		http.Error(w, "events store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := rt.projections.Ping(r.Context()); err != nil {
		rt.logger.Warn("health check failed", "error", err)
		http.Error(w, "projections store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorJSON struct {
	Code     apperrors.Code    `json:"code"`
	Status   string            `json:"status,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (rt *Runtime) writeError(w http.ResponseWriter, err error) {
	body := errorJSON{Code: apperrors.CodeOf(err), Message: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Metadata = appErr.Metadata
		body.Status = status.Code(appErr.ToGRPCStatus()).String()
	}
	httpStatus := body.Code.HTTPStatus()
	if httpStatus >= http.StatusInternalServerError {
		rt.logger.Error("request failed", "code", body.Code, "error", err)
		body.Message = http.StatusText(httpStatus)
	}
	writeJSON(w, httpStatus, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{
			Code:    apperrors.CodeInvalidArgument,
			Message: "request body must be a json object",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
