// Package handler provides HTTP request handlers for the tsbucket API.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/collection"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxBodyBytes bounds an insert request body
const maxBodyBytes = 64 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	service      *service.WriteService
	errorHandler *ErrorHandler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *service.WriteService, errorHandler *ErrorHandler, timeout time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		service:      svc,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// ErrorHandler returns the handler used for error responses
func (h *Handlers) ErrorHandler() *ErrorHandler {
	return h.errorHandler
}

// CreateCollectionRequest is the body of POST /v1/collections
type CreateCollectionRequest struct {
	DB         string                  `json:"db"`
	Coll       string                  `json:"coll"`
	Timeseries model.TimeseriesOptions `json:"timeseries"`
}

// InsertRequest is the body of POST /v1/collections/{db}/{coll}/insert
type InsertRequest struct {
	Documents []model.Document `json:"documents"`
}

// InsertResponse is returned once every document is committed
type InsertResponse struct {
	Status string `json:"status"`
	*service.InsertResult
}

// CollectionsResponse lists collections
type CollectionsResponse struct {
	Collections []collection.Collection `json:"collections"`
}

// DropDatabaseResponse lists the collections a database drop removed
type DropDatabaseResponse struct {
	Status  string            `json:"status"`
	Dropped []model.Namespace `json:"dropped"`
}

// StatsResponse holds the bucket catalog counters of a collection
type StatsResponse struct {
	Namespace string           `json:"namespace"`
	Stats     map[string]int64 `json:"stats"`
}

// BucketMetadataResponse holds a bucket's grouping key
type BucketMetadataResponse struct {
	BucketID string         `json:"bucket_id"`
	Metadata model.Document `json:"metadata"`
}

// CreateCollection handles POST /v1/collections requests.
func (h *Handlers) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req CreateCollectionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	coll, err := h.service.CreateCollection(ctx, model.NewNamespace(req.DB, req.Coll), req.Timeseries)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, coll)
}

// ListCollections handles GET /v1/collections requests.
func (h *Handlers) ListCollections(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, CollectionsResponse{Collections: h.service.ListCollections()})
}

// DropCollection handles DELETE /v1/collections/{db}/{coll} requests.
func (h *Handlers) DropCollection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.DropCollection(ctx, namespaceFromVars(r)); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "dropped"})
}

// DropDatabase handles DELETE /v1/databases/{db} requests.
func (h *Handlers) DropDatabase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	dropped, err := h.service.DropDatabase(ctx, mux.Vars(r)["db"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if dropped == nil {
		dropped = []model.Namespace{}
	}

	h.writeJSONResponse(w, http.StatusOK, DropDatabaseResponse{Status: "dropped", Dropped: dropped})
}

// Insert handles POST /v1/collections/{db}/{coll}/insert requests.
// The response is written once every document is committed or has failed.
func (h *Handlers) Insert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.service.Insert(ctx, &service.InsertRequest{
		Namespace:      namespaceFromVars(r),
		Documents:      req.Documents,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, InsertResponse{Status: "ok", InsertResult: result})
}

// Stats handles GET /v1/collections/{db}/{coll}/stats requests.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFromVars(r)
	stats, err := h.service.Stats(ns)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, StatsResponse{Namespace: ns.String(), Stats: stats})
}

// BucketMetadata handles GET /v1/buckets/{id}/metadata requests.
// An unknown bucket has an empty grouping key.
func (h *Handlers) BucketMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := h.service.BucketMetadata(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if meta == nil {
		meta = model.Document{}
	}

	h.writeJSONResponse(w, http.StatusOK, BucketMetadataResponse{BucketID: id, Metadata: meta})
}

func namespaceFromVars(r *http.Request) model.Namespace {
	vars := mux.Vars(r)
	return model.NewNamespace(vars["db"], vars["coll"])
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
