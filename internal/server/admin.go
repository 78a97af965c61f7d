package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/canaryz/internal/repository"
)

// APIKeyStore is the key management surface exposed on the admin listener.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

type adminServer struct {
	keys         APIKeyStore
	maxBodyBytes int64
}

type createAPIKeyJSONRequest struct {
	Name string `json:"name"`
}

type createAPIKeyJSONResponse struct {
	ID string `json:"id"`
	// Token is the "id.secret" bearer credential, returned exactly once.
	Token string `json:"token"`
}

// NewAdminHandler builds the operator-only router. It is meant to be served
// on the private admin listener, never on the public API address.
func NewAdminHandler(keys APIKeyStore) http.Handler {
	if keys == nil {
		panic("api key store is nil")
	}

	server := &adminServer{
		keys:         keys,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/apikeys", server.handleCreateAPIKey)
	mux.HandleFunc("GET /v1/apikeys", server.handleListAPIKeys)
	mux.HandleFunc("DELETE /v1/apikeys/{id}", server.handleRevokeAPIKey)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func (s *adminServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var request createAPIKeyJSONRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
			writeJSONDecodeError(w, err)
			return
		}
	}

	keyID, secret, err := s.keys.CreateAPIKey(r.Context(), strings.TrimSpace(request.Name))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyJSONResponse{
		ID:    keyID,
		Token: keyID + "." + secret,
	})
}

func (s *adminServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListAPIKeys(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *adminServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := strings.TrimSpace(r.PathValue("id"))
	if keyID == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.keys.RevokeAPIKey(r.Context(), keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "api key not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
