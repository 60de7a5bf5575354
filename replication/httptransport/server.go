package httptransport

import (
	"bytes"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/token"
)

const (
	MetadataPath = "/v1/replication/metadata"
	BlobPath     = "/v1/replication/partitions/{partition}/blobs/{key}"

	contentTypeBinary = "application/octet-stream"
	maxRequestBytes   = 16 << 20

	headerLSN       = "X-Shardblob-Lsn"
	headerCreatedAt = "X-Shardblob-Created-At"
	headerExpiresAt = "X-Shardblob-Expires-At"
	headerError     = "X-Shardblob-Error"

	errUnknownPartition = "unknown_partition"
	errNotFound         = "not_found"
	errDeletedOrExpired = "deleted_or_expired"
)

// EncodeKey returns the path form of key.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey. Empty keys are rejected.
func DecodeKey(s string) (string, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", errors.New("empty key")
	}
	return string(key), nil
}

// Server exposes a replication.Handler over HTTP.
type Server struct {
	handler  *replication.Handler
	resolver clustermap.Resolver
	logger   *slog.Logger
}

// NewServer creates a server for h. A nil logger discards.
func NewServer(h *replication.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{handler: h, resolver: clustermap.PartitionReader{}, logger: logger}
}

// Mount registers the replication routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Post(MetadataPath, s.handleMetadata)
	r.Get(BlobPath, s.handleBlob)
}

// Router returns a router serving only the replication routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	req, err := replication.ReadRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes), s.resolver, token.Factory{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.handler.Handle(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if _, err := resp.WriteTo(&buf); err != nil {
		s.logger.Error("encode replica metadata response", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("write replica metadata response", slog.Any("error", err))
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	partition, err := clustermap.ParsePartitionID(chi.URLParam(r, "partition"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := DecodeKey(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}

	rec, err := s.handler.FetchRecord(r.Context(), partition, key)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrUnknownPartition):
		writeError(w, http.StatusNotFound, errUnknownPartition, err)
		return
	case errors.Is(err, model.ErrBlobNotFound):
		writeError(w, http.StatusNotFound, errNotFound, err)
		return
	case errors.Is(err, model.ErrBlobDeletedOrExpired):
		writeError(w, http.StatusGone, errDeletedOrExpired, err)
		return
	default:
		s.logger.Error("fetch record",
			slog.String("partition", partition.String()),
			slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeBinary)
	h.Set("Content-Length", strconv.Itoa(len(rec.Payload)))
	h.Set(headerLSN, strconv.FormatUint(rec.LSN, 10))
	h.Set(headerCreatedAt, strconv.FormatInt(rec.CreatedAt, 10))
	h.Set(headerExpiresAt, strconv.FormatInt(rec.ExpiresAt, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rec.Payload); err != nil {
		s.logger.Warn("write record", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set(headerError, code)
	http.Error(w, err.Error(), status)
}
