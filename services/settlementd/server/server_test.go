package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/recon"
	"coopledger/services/settlementd/rewards"
	"coopledger/services/settlementd/settlement"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type stubPurchases struct {
	lastReq settlement.PurchaseRequest
	err     error
	tx      *models.OnrampTransaction
}

func (s *stubPurchases) BeginPurchase(_ context.Context, req settlement.PurchaseRequest) (*settlement.PurchaseResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &settlement.PurchaseResult{TransactionID: uuid.MustParse("6f1c5a52-0d7b-4d1e-9a2e-1b9d3c4e5f60"), ClientSecret: "pi_1_secret"}, nil
}

func (s *stubPurchases) GetOnrampStatus(_ context.Context, id uuid.UUID, userID string, admin bool) (*models.OnrampTransaction, error) {
	if s.tx == nil || s.tx.ID != id || (!admin && s.tx.UserID != userID) {
		return nil, settlement.ErrTransactionNotFound
	}
	return s.tx, nil
}

type stubOrders struct {
	err   error
	award rewards.Award
}

func (s *stubOrders) CompleteStoreOrder(context.Context, uuid.UUID) (rewards.Award, error) {
	return s.award, s.err
}

type stubReconciler struct {
	runOpts  recon.RunOptions
	runErr   error
	fixed    int
	fixedErr error
}

func (s *stubReconciler) Run(_ context.Context, opts recon.RunOptions) (*recon.Result, error) {
	s.runOpts = opts
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &recon.Result{Kind: opts.Kind, Checks: []recon.Check{{Name: recon.CheckPurchaseCount, Status: recon.StatusPass}}}, nil
}

func (s *stubReconciler) ReconcileSCRewards(context.Context) (*recon.RepairResult, error) {
	if s.fixedErr != nil {
		return nil, s.fixedErr
	}
	return &recon.RepairResult{FixedCount: s.fixed, Scanned: s.fixed}, nil
}

func (s *stubReconciler) ReconcileOnramps(context.Context) (*recon.RepairResult, error) {
	return &recon.RepairResult{FixedCount: 2}, nil
}

func (s *stubReconciler) GetSCRewardStats(context.Context) (*recon.RewardStats, error) {
	return &recon.RewardStats{TotalMintedDB: decimal.NewFromInt(15), SuccessRate: 75}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	srv        *httptest.Server
	purchases  *stubPurchases
	orders     *stubOrders
	reconciler *stubReconciler
}

func newFixture(t *testing.T, health Pinger) *fixture {
	t.Helper()
	f := &fixture{purchases: &stubPurchases{}, orders: &stubOrders{}, reconciler: &stubReconciler{}}
	s, err := New(Config{
		Purchases:  f.purchases,
		Orders:     f.orders,
		Reconciler: f.reconciler,
		Webhooks: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
		}),
		Health:        health,
		Auth:          AuthConfig{Secret: testSecret, Issuer: "coop"},
		Metrics:       http.NotFoundHandler(),
		DisableTraces: true,
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": "coop",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t, nil)
	resp, payload := f.do(t, http.MethodPost, "/api/v1/onramp/intents", token(t, "member-1", ""),
		`{"amountFiat":"25.00","processor":"stripe"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pi_1_secret", payload["clientSecret"])
	require.Equal(t, "member-1", f.purchases.lastReq.UserID)
	require.Equal(t, models.ProcessorStripe, f.purchases.lastReq.Processor)
	require.True(t, decimal.RequireFromString("25").Equal(f.purchases.lastReq.AmountFiat))
}

func TestCreateIntentErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid amount", fmt.Errorf("%w: 0.5", settlement.ErrInvalidAmount), http.StatusBadRequest},
		{"no wallet", settlement.ErrNoWallet, http.StatusBadRequest},
		{"foreign order", fmt.Errorf("%w: order not found", settlement.ErrInvalidOrder), http.StatusBadRequest},
		{"processor down", fmt.Errorf("%w: timeout", settlement.ErrProcessorUnavailable), http.StatusBadGateway},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.purchases.err = tc.err
			resp, payload := f.do(t, http.MethodPost, "/api/v1/onramp/intents", token(t, "member-1", ""),
				`{"amountFiat":"25.00","processor":"nowpayments"}`)
			require.Equal(t, tc.want, resp.StatusCode)
			require.NotEmpty(t, payload["error"])
			if tc.want == http.StatusInternalServerError {
				require.Equal(t, "internal error", payload["error"])
			}
		})
	}
}

func TestCreateIntentRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	bearer := token(t, "member-1", "")
	resp, _ := f.do(t, http.MethodPost, "/api/v1/onramp/intents", bearer, `{"amountFiat":"25.00","processor":"paypal"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/onramp/intents", bearer, `{"amountFiat":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/onramp/intents", "", `{}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/onramp/intents", "not-a-token", `{}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "member-1", "iss": "elsewhere", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/admin/rewards/stats", wrongIssuer, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "member-1", "iss": "coop", "exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/admin/rewards/stats", expired, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/admin/rewards/stats", token(t, "member-1", ""), "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetTransactionScopedToOwner(t *testing.T) {
	f := newFixture(t, nil)
	tx := &models.OnrampTransaction{ID: uuid.New(), UserID: "member-1", Status: models.OnrampCompleted}
	f.purchases.tx = tx
	path := "/api/v1/onramp/transactions/" + tx.ID.String()

	resp, payload := f.do(t, http.MethodGet, path, token(t, "member-1", ""), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "COMPLETED", payload["status"])

	resp, _ = f.do(t, http.MethodGet, path, token(t, "member-2", ""), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, path, token(t, "ops", RoleAdmin), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/onramp/transactions/nope", token(t, "member-1", ""), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)
	admin := token(t, "ops", RoleAdmin)
	f.reconciler.fixed = 5

	resp, payload := f.do(t, http.MethodPost, "/api/v1/admin/rewards/reconcile", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 5, payload["fixedCount"])

	resp, payload = f.do(t, http.MethodPost, "/api/v1/admin/onramp/reconcile", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, payload["fixedCount"])

	resp, payload = f.do(t, http.MethodGet, "/api/v1/admin/rewards/stats", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 75, payload["successRate"])

	resp, payload = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", admin,
		`{"start":"2026-03-02T10:00:00Z","end":"2026-03-02T11:00:00Z"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, recon.KindManual, payload["kind"])
	require.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), f.reconciler.runOpts.Start.UTC())

	resp, _ = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, f.reconciler.runOpts.Start.IsZero())
}

func TestAdminRouteErrors(t *testing.T) {
	f := newFixture(t, nil)
	admin := token(t, "ops", RoleAdmin)

	f.reconciler.fixedErr = recon.ErrNoChain
	resp, _ := f.do(t, http.MethodPost, "/api/v1/admin/rewards/reconcile", admin, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.reconciler.runErr = fmt.Errorf("%w: end before start", recon.ErrInvalidWindow)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", admin, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	orderPath := "/api/v1/admin/orders/" + uuid.NewString() + "/complete"
	f.orders.err = rewards.ErrOrderNotPending
	resp, _ = f.do(t, http.MethodPost, orderPath, admin, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.orders.err = rewards.ErrOrderNotFound
	resp, _ = f.do(t, http.MethodPost, orderPath, admin, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.award = rewards.Award{
		Buyer:  &rewards.Issued{RewardID: uuid.New(), Status: "COMPLETED", Requested: decimal.NewFromInt(10), Actual: decimal.NewFromInt(6), Capped: true},
		Seller: &rewards.Issued{RewardID: uuid.New(), Status: "COMPLETED", Requested: decimal.NewFromInt(2), Actual: decimal.NewFromInt(2)},
	}
	resp, payload := f.do(t, http.MethodPost, "/api/v1/admin/orders/"+uuid.NewString()+"/complete", token(t, "ops", RoleAdmin), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "6", payload["buyerReward"])
	require.Equal(t, "2", payload["sellerReward"])
}

func TestHealthAndWebhookMount(t *testing.T) {
	f := newFixture(t, stubPinger{})
	resp, payload := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", payload["status"])

	resp, payload = f.do(t, http.MethodPost, "/webhooks/stripe", "", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["received"])

	down := newFixture(t, stubPinger{err: errors.New("connection refused")})
	resp, _ = down.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Reconciler: &stubReconciler{}, Auth: AuthConfig{Secret: testSecret}})
	require.Error(t, err)
	_, err = New(Config{Purchases: &stubPurchases{}, Reconciler: &stubReconciler{}, Auth: AuthConfig{Secret: []byte("short")}})
	require.Error(t, err)
}
