package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/aml"
	"github.com/example/payments-core/internal/authorization"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/security"
	"github.com/example/payments-core/internal/settlement"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
)

var validate = validator.New()

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := validate.Struct(v); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "validation_failed")
		return false
	}
	return true
}

// writeDomainError translates service errors into stable HTTP error codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, transaction.ErrTransactionNotFound),
		errors.Is(err, authorization.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, settlement.ErrBatchNotFound),
		errors.Is(err, aml.ErrAlertNotFound),
		errors.Is(err, aml.ErrSarNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
		return
	}

	var (
		insufficient *wallet.InsufficientFundsError
		limit        *wallet.LimitExceededError
		status       *wallet.StatusError
		overCapture  *authorization.OverCaptureError
		expired      *authorization.ExpiredAuthorizationError
		authState    *authorization.StateError
		overRefund   *transaction.OverRefundError
		invalidTrans *transaction.InvalidTransitionError
		dupKey       *ledger.DuplicateIdempotencyKeyError
		txDupKey     *transaction.DuplicateKeyError
		claimed      *settlement.AlreadyClaimedError
		alertTrans   *aml.InvalidAlertTransitionError
		sarTrans     *aml.InvalidSarTransitionError
	)
	switch {
	case errors.As(err, &insufficient):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "insufficient_funds")
	case errors.As(err, &limit):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "limit_exceeded")
	case errors.As(err, &status):
		security.WriteJSONError(w, r, http.StatusConflict, "wallet_not_active")
	case errors.As(err, &overCapture):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "over_capture")
	case errors.As(err, &expired):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "authorization_expired")
	case errors.As(err, &authState):
		security.WriteJSONError(w, r, http.StatusConflict, "invalid_authorization_state")
	case errors.As(err, &overRefund):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "over_refund")
	case errors.As(err, &invalidTrans):
		security.WriteJSONError(w, r, http.StatusConflict, "invalid_transition")
	case errors.As(err, &dupKey), errors.As(err, &txDupKey):
		security.WriteJSONError(w, r, http.StatusConflict, "duplicate_idempotency_key")
	case errors.As(err, &claimed):
		security.WriteJSONError(w, r, http.StatusConflict, "already_claimed")
	case errors.As(err, &alertTrans), errors.As(err, &sarTrans):
		security.WriteJSONError(w, r, http.StatusConflict, "invalid_transition")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

type createWalletRequest struct {
	OwnerType   string          `json:"owner_type" validate:"required,oneof=user merchant system"`
	OwnerID     string          `json:"owner_id" validate:"required"`
	Currency    string          `json:"currency_code" validate:"required,len=3"`
	PeriodLimit decimal.Decimal `json:"period_limit"`
}

func handleCreateWallet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createWalletRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		wlt, err := deps.Wallets.Create(r.Context(), req.OwnerType, req.OwnerID, req.Currency, req.PeriodLimit)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, wlt)
	}
}

func handleGetWallet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wlt, err := deps.Wallets.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, wlt)
	}
}

type setWalletStatusRequest struct {
	Status wallet.Status `json:"status" validate:"required,oneof=active frozen closed"`
}

func handleSetWalletStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setWalletStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		wlt, err := deps.Wallets.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, wlt)
	}
}

func handleInitiateTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transaction.InitiateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tx, err := deps.Transactions.Initiate(r.Context(), req)
		if err != nil {
			if errors.Is(err, transaction.ErrValidation) {
				security.WriteJSONError(w, r, http.StatusBadRequest, "validation_failed")
				return
			}
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, tx)
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Transactions.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tx)
	}
}

type transactionEventsResponse struct {
	TransactionID string               `json:"transaction_id"`
	Events        []*transaction.Event `json:"events"`
}

func handleTransactionEvents(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		events, err := deps.Transactions.History(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionEventsResponse{TransactionID: id, Events: events})
	}
}

type refundRequest struct {
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
	Reason         string          `json:"reason"`
}

func handleRefund(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tx, err := deps.Transactions.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, req.IdempotencyKey, req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, tx)
	}
}

type authorizeRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

func handleAuthorize(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authorizeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		auth, err := deps.Authorizations.Authorize(r.Context(), req.TransactionID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		// Declined authorizations come back without an error; the state
		// tells the caller what happened.
		writeJSON(w, r, http.StatusCreated, auth)
	}
}

func handleGetAuthorization(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := deps.Authorizations.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, auth)
	}
}

type captureRequest struct {
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

func handleCapture(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req captureRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		auth, err := deps.Authorizations.Capture(r.Context(), chi.URLParam(r, "id"), req.Amount, req.IdempotencyKey)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, auth)
	}
}

func handleVoid(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := deps.Authorizations.Void(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, auth)
	}
}

type runSettlementsResponse struct {
	BatchesRun int `json:"batches_run"`
}

func handleRunSettlements(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Settlements.RunDue(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, runSettlementsResponse{BatchesRun: n})
	}
}

type buildBatchRequest struct {
	MerchantID  string    `json:"merchant_id" validate:"required"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func handleBuildBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req buildBatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.PeriodEnd.IsZero() {
			req.PeriodEnd = time.Now().UTC()
		}
		if req.PeriodStart.IsZero() {
			req.PeriodStart = req.PeriodEnd.Add(-24 * time.Hour)
		}
		batch, err := deps.Settlements.BuildBatch(r.Context(), req.MerchantID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, batch)
	}
}

func handleGetBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := deps.Settlements.GetBatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, batch)
	}
}

type screenRequest struct {
	Name string `json:"name" validate:"required"`
	DOB  string `json:"dob"`
}

func handleScreenIdentity(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req screenRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		result, err := deps.Screener.Screen(r.Context(), aml.Identity{Name: req.Name, DOB: req.DOB})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, result)
	}
}

type evaluateRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

func handleEvaluateRisk(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tx, err := deps.Transactions.Get(r.Context(), req.TransactionID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		eval, err := deps.Compliance.Evaluate(r.Context(), tx)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, eval)
	}
}

type alertTransitionRequest struct {
	To   aml.AlertState `json:"to" validate:"required"`
	Note string         `json:"note"`
}

func handleAlertTransition(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req alertTransitionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		alert, err := deps.Compliance.TransitionAlert(r.Context(), chi.URLParam(r, "id"), req.To, req.Note)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, alert)
	}
}

type draftOverdueResponse struct {
	Drafted []*aml.Sar `json:"drafted"`
}

func handleDraftOverdueSars(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sars, err := deps.Compliance.DraftOverdueSars(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, draftOverdueResponse{Drafted: sars})
	}
}

type sarTransitionRequest struct {
	To aml.SarState `json:"to" validate:"required"`
}

func handleSarTransition(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sarTransitionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		sar, err := deps.Compliance.TransitionSar(r.Context(), chi.URLParam(r, "id"), req.To)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, sar)
	}
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func handleAccountBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		bal, err := deps.Ledger.Balance(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, balanceResponse{AccountID: id, Balance: bal})
	}
}

type integrityResponse struct {
	AccountID  string `json:"account_id"`
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}

func handleAccountIntegrity(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Ledger.CheckIntegrity(r.Context(), id); err != nil {
			var integrity *ledger.IntegrityError
			if errors.As(err, &integrity) {
				writeJSON(w, r, http.StatusOK, integrityResponse{AccountID: id, Consistent: false, Detail: integrity.Error()})
				return
			}
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, integrityResponse{AccountID: id, Consistent: true})
	}
}
