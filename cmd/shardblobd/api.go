package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/shardblob"
	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/replication/httptransport"
)

const (
	contentTypeJSON   = "application/json"
	headerExpiresAt   = "X-Shardblob-Expires-At"
	headerCreatedAt   = "X-Shardblob-Created-At"
	headerLSN         = "X-Shardblob-Lsn"
	maxBlobBytes      = 64 << 20
	expiresAtNeverStr = "0"
)

type api struct {
	db     *shardblob.DB
	logger *shardblob.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type putResponse struct {
	Partition uint64 `json:"partition"`
	Key       string `json:"key"`
	Segment   string `json:"segment"`
	Offset    int64  `json:"offset"`
}

func newRouter(db *shardblob.DB, h *replication.Handler, reg *metrics.Registry, logger *shardblob.Logger) http.Handler {
	a := &api{db: db, logger: logger}

	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", reg.Handler())
	r.Get("/v1/stats", a.handleStats)
	r.Route("/v1/partitions/{partition}/blobs", func(r chi.Router) {
		r.Post("/", a.handleCreate)
		r.Put("/{key}", a.handlePut)
		r.Get("/{key}", a.handleGet)
		r.Delete("/{key}", a.handleDelete)
		r.Put("/{key}/ttl", a.handleUpdateTTL)
	})
	httptransport.NewServer(h, logger.Logger).Mount(r)
	return r
}

func (a *api) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encode response", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shardblob.ErrNotFound), errors.Is(err, shardblob.ErrUnknownPartition):
		status = http.StatusNotFound
	case errors.Is(err, shardblob.ErrDeletedOrExpired):
		status = http.StatusGone
	case errors.Is(err, shardblob.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, shardblob.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, shardblob.ErrReadOnly), errors.Is(err, shardblob.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		a.logger.Error("request failed", slog.Any("error", err))
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *api) badRequest(w http.ResponseWriter, msg string) {
	a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"partitions": a.db.Partitions(),
	})
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.db.Stats())
}

func partitionParam(r *http.Request) (clustermap.PartitionID, error) {
	return clustermap.ParsePartitionID(chi.URLParam(r, "partition"))
}

// expiresAt reads the expiration header, unix milliseconds. Absent or 0
// means never.
func expiresAt(r *http.Request) (time.Time, error) {
	v := r.Header.Get(headerExpiresAt)
	if v == "" || v == expiresAtNeverStr {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, errors.New("invalid " + headerExpiresAt)
	}
	return time.UnixMilli(ms), nil
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	a.put(w, r, shardblob.NewBlobID())
}

func (a *api) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := httptransport.DecodeKey(chi.URLParam(r, "key"))
	if err != nil {
		a.badRequest(w, "invalid key")
		return
	}
	a.put(w, r, key)
}

func (a *api) put(w http.ResponseWriter, r *http.Request, key string) {
	p, err := partitionParam(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	exp, err := expiresAt(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobBytes))
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	loc, err := a.db.Put(r.Context(), p, key, payload, exp)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, putResponse{
		Partition: uint64(p),
		Key:       key,
		Segment:   loc.Segment.String(),
		Offset:    loc.Offset,
	})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := partitionParam(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	key, err := httptransport.DecodeKey(chi.URLParam(r, "key"))
	if err != nil {
		a.badRequest(w, "invalid key")
		return
	}
	b, err := a.db.Get(r.Context(), p, key)
	if err != nil {
		a.writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(b.Payload)))
	h.Set(headerLSN, strconv.FormatUint(b.LSN, 10))
	h.Set(headerCreatedAt, strconv.FormatInt(b.CreatedAt.UnixMilli(), 10))
	if !b.ExpiresAt.IsZero() {
		h.Set(headerExpiresAt, strconv.FormatInt(b.ExpiresAt.UnixMilli(), 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b.Payload); err != nil {
		a.logger.Warn("write blob", slog.Any("error", err))
	}
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := partitionParam(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	key, err := httptransport.DecodeKey(chi.URLParam(r, "key"))
	if err != nil {
		a.badRequest(w, "invalid key")
		return
	}
	if err := a.db.Delete(r.Context(), p, key); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUpdateTTL(w http.ResponseWriter, r *http.Request) {
	p, err := partitionParam(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	key, err := httptransport.DecodeKey(chi.URLParam(r, "key"))
	if err != nil {
		a.badRequest(w, "invalid key")
		return
	}
	exp, err := expiresAt(r)
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	if err := a.db.UpdateTTL(r.Context(), p, key, exp); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
