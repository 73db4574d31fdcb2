package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payments-core/internal/aml"
	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/authorization"
	"github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/settlement"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
	"github.com/example/payments-core/pkg/audit"
)

var testSigningSecret = []byte("0123456789abcdef0123456789abcdef")

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testStack struct {
	server   *httptest.Server
	issuer   *auth.Issuer
	wallets  *wallet.Service
	ledger   *ledger.Service
	txs      *transaction.Service
	screener *aml.Screener
	trail    *audit.ChainLogger
	system   *ledger.SystemAccounts
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	ledgerStore := ledger.NewMemoryStore()
	registry := ledger.NewRegistry(ledgerStore)
	led := ledger.NewService(ledgerStore, nil)
	system, err := registry.Bootstrap(ctx, "USD")
	require.NoError(t, err)

	wallets := wallet.NewService(wallet.NewMemoryStore(), registry, nil, nil)
	outbox := events.NewMemoryOutbox()
	txs := transaction.NewService(transaction.NewMemoryStore(), transaction.NewMemoryEventStore(), led, wallets, outbox, nil)

	engine := aml.NewEngine(txs, aml.NewMemoryAlertStore(), aml.NewMemorySarStore(), outbox, nil)
	pipeline := authorization.NewPipeline(authorization.NewMemoryStore(), wallets, led, txs, engine, outbox, nil, time.Hour)
	processor := settlement.NewProcessor(settlement.NewMemoryStore(), txs, led, outbox, nil)

	trail := audit.NewChainLogger()
	screener := aml.NewScreener(audit.NewChainLogger(), 0)

	issuer, err := auth.NewIssuer(testSigningSecret, "payments-core", time.Minute)
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Verifier:       auth.NewVerifier(testSigningSecret, "payments-core"),
		Transactions:   txs,
		Authorizations: pipeline,
		Wallets:        wallets,
		Ledger:         led,
		Settlements:    processor,
		Compliance:     engine,
		Screener:       screener,
		Trail:          trail,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testStack{
		server:   server,
		issuer:   issuer,
		wallets:  wallets,
		ledger:   led,
		txs:      txs,
		screener: screener,
		trail:    trail,
		system:   system,
	}
}

func (s *testStack) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := s.issuer.Issue("router-test", "127.0.0.1", scopes)
	require.NoError(t, err)
	return token
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.server.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

// fundWallet seeds a user wallet with ledger-backed funds outside the API,
// the way a topup processor would.
func (s *testStack) fundWallet(t *testing.T, ownerID, amount string) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()

	w, err := s.wallets.Create(ctx, "user", ownerID, "USD", decimal.Zero)
	require.NoError(t, err)
	_, err = s.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "topup-" + ownerID,
		Currency:       "USD",
		Lines: []ledger.EntrySpec{
			{AccountID: s.system.Cash.ID, Side: ledger.Debit, Amount: amt(amount)},
			{AccountID: w.AccountID, Side: ledger.Credit, Amount: amt(amount)},
		},
	})
	require.NoError(t, err)
	_, err = s.wallets.Credit(ctx, w.ID, amt(amount))
	require.NoError(t, err)
	return w
}

func TestHealthzNeedsNoToken(t *testing.T) {
	s := newTestStack(t)
	resp, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestStack(t)
	resp, _ := s.do(t, http.MethodGet, "/v1/wallets/w-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInsufficientScopeRejected(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "payments:read")

	resp, _ := s.do(t, http.MethodPost, "/v1/wallets", token, createWalletRequest{
		OwnerType: "user", OwnerID: "u1", Currency: "USD",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	s := newTestStack(t)
	w := s.fundWallet(t, "u1", "1000")
	token := s.token(t, "payments:read", "payments:write")

	resp, raw := s.do(t, http.MethodPost, "/v1/transactions", token, map[string]any{
		"type":             "payment",
		"user_id":          "u1",
		"source_wallet_id": w.ID,
		"merchant_id":      "m-1",
		"amount":           "400",
		"currency_code":    "USD",
		"idempotency_key":  "pay-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var tx transaction.Transaction
	require.NoError(t, json.Unmarshal(raw, &tx))

	resp, raw = s.do(t, http.MethodPost, "/v1/authorizations", token, map[string]string{
		"transaction_id": tx.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var authz authorization.Authorization
	require.NoError(t, json.Unmarshal(raw, &authz))
	assert.Equal(t, authorization.StateApproved, authz.State)

	resp, raw = s.do(t, http.MethodPost, "/v1/authorizations/"+authz.ID+"/capture", token, map[string]string{
		"amount":          "400",
		"idempotency_key": "cap-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = s.do(t, http.MethodGet, "/v1/transactions/"+tx.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &tx))
	assert.Equal(t, transaction.StateCaptured, tx.State)

	resp, raw = s.do(t, http.MethodPost, "/v1/transactions/"+tx.ID+"/refund", token, map[string]string{
		"amount":          "400",
		"idempotency_key": "ref-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &tx))
	assert.Equal(t, transaction.StateRefunded, tx.State)

	resp, raw = s.do(t, http.MethodGet, "/v1/transactions/"+tx.ID+"/events", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist transactionEventsResponse
	require.NoError(t, json.Unmarshal(raw, &hist))
	assert.GreaterOrEqual(t, len(hist.Events), 4)
}

func TestInitiateValidationFailure(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "payments:write")

	resp, raw := s.do(t, http.MethodPost, "/v1/transactions", token, map[string]string{
		"type": "payment",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
}

func TestInsufficientFundsDeclinesAuthorization(t *testing.T) {
	s := newTestStack(t)
	w := s.fundWallet(t, "u1", "50")
	token := s.token(t, "payments:write")

	resp, raw := s.do(t, http.MethodPost, "/v1/transactions", token, map[string]any{
		"type":             "payment",
		"user_id":          "u1",
		"source_wallet_id": w.ID,
		"amount":           "400",
		"currency_code":    "USD",
		"idempotency_key":  "pay-broke",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var tx transaction.Transaction
	require.NoError(t, json.Unmarshal(raw, &tx))

	// The pipeline declines rather than erroring, so the HTTP call
	// succeeds and the authorization comes back DECLINED.
	resp, raw = s.do(t, http.MethodPost, "/v1/authorizations", token, map[string]string{
		"transaction_id": tx.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var authz authorization.Authorization
	require.NoError(t, json.Unmarshal(raw, &authz))
	assert.Equal(t, authorization.StateDeclined, authz.State)
}

func TestUnknownTransactionIs404(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "payments:read")
	resp, _ := s.do(t, http.MethodGet, "/v1/transactions/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScreeningEndpoint(t *testing.T) {
	s := newTestStack(t)
	s.screener.AddEntry(&aml.WatchlistEntry{Name: "John Doe", DOB: "1970-01-01", Program: "SDN", Active: true})
	token := s.token(t, "aml:manage")

	resp, raw := s.do(t, http.MethodPost, "/v1/compliance/screenings", token, map[string]string{
		"name": "Jon Doe",
		"dob":  "1970-01-01",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var result aml.ScreeningResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Clean)
	require.Len(t, result.Matches, 1)
}

func TestAuditTrailRecordsAuthenticatedRequests(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "payments:read")

	s.do(t, http.MethodGet, "/v1/transactions/nope", token, nil)

	entries := s.trail.Entries()
	require.NotEmpty(t, entries)
	assert.True(t, audit.VerifyChain(entries))
	assert.Equal(t, "router-test", entries[len(entries)-1].Record.Actor)
	assert.Equal(t, "http.GET", entries[len(entries)-1].Record.Operation)
}
