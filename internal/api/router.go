package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/payments-core/internal/aml"
	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/authorization"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/security"
	"github.com/example/payments-core/internal/settlement"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
	"github.com/example/payments-core/pkg/audit"
)

type Dependencies struct {
	Logger   *slog.Logger
	Verifier *auth.Verifier

	Transactions   *transaction.Service
	Authorizations *authorization.Pipeline
	Wallets        *wallet.Service
	Ledger         *ledger.Service
	Settlements    *settlement.Processor
	Compliance     *aml.Engine
	Screener       *aml.Screener

	Trail        *audit.ChainLogger
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.Verifier, onAuthError))
		if deps.Trail != nil {
			r.Use(AuditMiddleware(deps.Trail))
		}

		read := func(r chi.Router) chi.Router {
			return r.With(auth.RequireScopes(onAuthError, "payments:read"))
		}
		write := func(r chi.Router) chi.Router {
			return r.With(auth.RequireScopes(onAuthError, "payments:write"))
		}

		r.Route("/wallets", func(r chi.Router) {
			write(r).Post("/", handleCreateWallet(deps))
			read(r).Get("/{id}", handleGetWallet(deps))
			write(r).Post("/{id}/status", handleSetWalletStatus(deps))
		})

		r.Route("/transactions", func(r chi.Router) {
			write(r).Post("/", handleInitiateTransaction(deps))
			read(r).Get("/{id}", handleGetTransaction(deps))
			read(r).Get("/{id}/events", handleTransactionEvents(deps))
			write(r).Post("/{id}/refund", handleRefund(deps))
		})

		r.Route("/authorizations", func(r chi.Router) {
			write(r).Post("/", handleAuthorize(deps))
			read(r).Get("/{id}", handleGetAuthorization(deps))
			write(r).Post("/{id}/capture", handleCapture(deps))
			write(r).Post("/{id}/void", handleVoid(deps))
		})

		r.Route("/settlements", func(r chi.Router) {
			run := r.With(auth.RequireScopes(onAuthError, "settlement:run"))
			run.Post("/run", handleRunSettlements(deps))
			run.Post("/batches", handleBuildBatch(deps))
			read(r).Get("/batches/{id}", handleGetBatch(deps))
		})

		r.Route("/compliance", func(r chi.Router) {
			manage := r.With(auth.RequireScopes(onAuthError, "aml:manage"))
			manage.Post("/screenings", handleScreenIdentity(deps))
			manage.Post("/evaluate", handleEvaluateRisk(deps))
			manage.Post("/alerts/{id}/transition", handleAlertTransition(deps))
			manage.Post("/sars/draft-overdue", handleDraftOverdueSars(deps))
			manage.Post("/sars/{id}/transition", handleSarTransition(deps))
		})

		r.Route("/ledger", func(r chi.Router) {
			read(r).Get("/accounts/{id}/balance", handleAccountBalance(deps))
			read(r).Get("/accounts/{id}/integrity", handleAccountIntegrity(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
