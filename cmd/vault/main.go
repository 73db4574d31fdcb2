// The vault binary runs the card tokenization service on its own listener,
// behind an IP allowlist. It shares no process state with the payments api;
// callers reach it only with a scoped service token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/payments-core/internal/api"
	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/config"
	"github.com/example/payments-core/internal/crypto"
	"github.com/example/payments-core/internal/logging"
	"github.com/example/payments-core/internal/security"
	"github.com/example/payments-core/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, slog.LevelInfo, "payments-vault")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := vault.OpenStore(cfg.VaultDBPath)
	if err != nil {
		logger.Error("failed to open vault store", "error", err, "path", cfg.VaultDBPath)
		os.Exit(1)
	}
	defer store.Close()

	ring, err := crypto.NewKeyring()
	if err != nil {
		logger.Error("failed to initialize keyring", "error", err)
		os.Exit(1)
	}

	svc := vault.NewService(store, ring, logger)
	verifier := auth.NewVerifier([]byte(cfg.TokenSecret), cfg.TokenIssuer)

	allowlist, err := security.ParseCIDRAllowlist(cfg.VaultAllowedCIDRs)
	if err != nil {
		logger.Error("invalid vault allowlist", "error", err)
		os.Exit(1)
	}

	router := newRouter(svc, verifier, allowlist, logger)

	srv := &http.Server{
		Addr:              cfg.VaultAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("vault listening", "addr", cfg.VaultAddr, "environment", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newRouter(svc *vault.Service, verifier *auth.Verifier, allowlist []*net.IPNet, logger *slog.Logger) http.Handler {
	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(api.RequestLogger(logger))
	r.Use(security.BodySizeLimit(0))
	r.Use(security.IPAllowlist(allowlist))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(verifier, onAuthError))

		r.Post("/tokens", handleTokenize(svc))
		r.Post("/tokens/{token}/detokenize", handleDetokenize(svc))
		r.Get("/tokens/{token}/metadata", handleMetadata(svc))
		r.Post("/keys/rotate", handleRotate(svc))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	return r
}

// requesterFrom maps the verified service token onto the vault's caller
// identity. Scope checks happen inside the vault service so denials are
// audited there.
func requesterFrom(r *http.Request) (vault.Requester, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return vault.Requester{}, false
	}
	return vault.Requester{Name: claims.Subject, Source: claims.Source, Scopes: claims.Scopes}, true
}

func writeVaultError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *vault.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, vault.ErrTokenNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

type tokenizeRequest struct {
	PAN    string `json:"pan"`
	Expiry string `json:"expiry"`
}

func handleTokenize(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := requesterFrom(r)
		if !ok {
			security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		var req tokenizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		result, err := svc.Tokenize(r.Context(), requester, req.PAN, req.Expiry)
		if err != nil {
			var denied *vault.AccessDeniedError
			if errors.As(err, &denied) {
				security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "invalid_card")
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func handleDetokenize(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := requesterFrom(r)
		if !ok {
			security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		details, err := svc.Detokenize(r.Context(), requester, chi.URLParam(r, "token"))
		if err != nil {
			writeVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, details)
	}
}

func handleMetadata(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Metadata(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			writeVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

type rotateResponse struct {
	Reencrypted int `json:"reencrypted"`
}

func handleRotate(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := requesterFrom(r)
		if !ok {
			security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		n, err := svc.RotateKey(r.Context(), requester)
		if err != nil {
			writeVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rotateResponse{Reencrypted: n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
