package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	batchrepo "github.com/nerves76/promptreviews-sub034/internal/batchrun/repository"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/schema"
	batchservice "github.com/nerves76/promptreviews-sub034/internal/batchrun/service"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	creditrepo "github.com/nerves76/promptreviews-sub034/internal/credit/repository"
	creditservice "github.com/nerves76/promptreviews-sub034/internal/credit/service"
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"github.com/nerves76/promptreviews-sub034/internal/observability"
	"github.com/nerves76/promptreviews-sub034/internal/status"
	"github.com/nerves76/promptreviews-sub034/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testCronSecret = "test-cron-secret"
)

type testServer struct {
	engine *gin.Engine
	db     *gorm.DB
}

func newTestServer(t *testing.T, balances map[string]int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	for account, credits := range balances {
		testutil.SeedBalance(t, db, node, account, credits)
	}

	credits := creditservice.NewService(creditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: creditrepo.Provide(),
	})
	validator, err := schema.NewValidator()
	require.NoError(t, err)

	// concept is left without a checker.
	registry := checker.NewRegistry()
	for _, batchType := range []batchdomain.BatchType{batchdomain.BatchTypeRank, batchdomain.BatchTypeLLM} {
		registry.Register(batchType, checker.Func(func(ctx context.Context, item checker.Item) (*checker.Outcome, error) {
			return &checker.Outcome{Output: []byte(`{"rank":2}`)}, nil
		}))
	}
	runs := batchservice.NewService(batchservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       batchrepo.Provide(),
		Credits:    credits,
		Meter:      metering.New(metering.Params{Credits: credits, Log: zap.NewNop()}),
		Validator:  validator,
		Processors: registry,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})

	d, err := dispatcher.New(dispatcher.Params{
		Log:      zap.NewNop(),
		Runs:     runs,
		Credits:  credits,
		Checkers: registry,
		GenID:    node,
		Authz:    authz,
	})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{}, nil)
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{AuthJWTSecret: testJWTSecret, CronSecret: testCronSecret},
		Log:        zap.NewNop(),
		AuthzSvc:   authz,
		RunSvc:     runs,
		CreditSvc:  credits,
		StatusSvc:  status.NewService(status.Params{Log: zap.NewNop(), Runs: runs, Credits: credits}),
		Dispatcher: d,
	})
	return &testServer{engine: engine, db: db}
}

func accountToken(t *testing.T, secret, accountID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accountClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func rankItems(n int) []map[string]string {
	items := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]string{"keyword": "plumber near me"})
	}
	return items
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateBatchRunDebitsEstimate(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50})
	token := accountToken(t, testJWTSecret, "acct-1", "member")

	rec := s.do(t, http.MethodPost, "/batch-runs/rank", token, map[string]any{
		"items":                   rankItems(5),
		"estimatedCreditsPerItem": 2,
	}, HeaderIdempotencyKey, "client-key-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotEmpty(t, body["runId"])
	assert.Equal(t, float64(10), body["estimatedCredits"])
	assert.Equal(t, float64(40), body["creditsRemaining"])
	assert.Equal(t, int64(40), testutil.Balance(t, s.db, "acct-1"))

	replay := s.do(t, http.MethodPost, "/batch-runs/rank", token, map[string]any{
		"items":                   rankItems(5),
		"estimatedCreditsPerItem": 2,
	}, HeaderIdempotencyKey, "client-key-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, body["runId"], decode(t, replay)["runId"])
	assert.Equal(t, int64(40), testutil.Balance(t, s.db, "acct-1"))
}

func TestCreateBatchRunInsufficientCredits(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 3})
	token := accountToken(t, testJWTSecret, "acct-1", "")

	rec := s.do(t, http.MethodPost, "/batch-runs/llm", token, map[string]any{
		"items": []map[string]string{{"query": "best dentist"}, {"query": "best vet"}},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient_credits"}`, rec.Body.String())
	assert.Equal(t, int64(0), testutil.CountRows(t, s.db, "batch_runs"))
	assert.Equal(t, int64(3), testutil.Balance(t, s.db, "acct-1"))
}

func TestCreateBatchRunRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50})
	token := accountToken(t, testJWTSecret, "acct-1", "member")

	cases := []struct {
		name   string
		path   string
		bearer string
		body   any
		want   int
	}{
		{"no token", "/batch-runs/rank", "", map[string]any{"items": rankItems(1)}, http.StatusUnauthorized},
		{"wrong secret", "/batch-runs/rank", accountToken(t, "other-secret", "acct-1", ""), map[string]any{"items": rankItems(1)}, http.StatusUnauthorized},
		{"foreign account", "/batch-runs/rank", token, map[string]any{"accountId": "acct-2", "items": rankItems(1)}, http.StatusForbidden},
		{"unknown batch type", "/batch-runs/weather", token, map[string]any{"items": rankItems(1)}, http.StatusBadRequest},
		{"no items", "/batch-runs/rank", token, map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"bad payload", "/batch-runs/rank", token, map[string]any{"items": []map[string]string{{"query": "x"}}}, http.StatusBadRequest},
		{"estimate below cost", "/batch-runs/llm", token, map[string]any{"items": []map[string]string{{"query": "x"}}, "estimatedCreditsPerItem": 1}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tc.path, tc.bearer, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, int64(50), testutil.Balance(t, s.db, "acct-1"))
}

func TestPayloadValidationNamesTheItem(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50})
	token := accountToken(t, testJWTSecret, "acct-1", "member")

	rec := s.do(t, http.MethodPost, "/batch-runs/concept", token, map[string]any{
		"items": []map[string]string{{"concept": "seo"}, {"topic": "seo"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Type)
	require.NotEmpty(t, body.Error.Errors)
	assert.Contains(t, body.Error.Errors[0].Field, "items[1]")
}

func TestRunStatusIsScopedToAccount(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50, "acct-2": 50})
	owner := accountToken(t, testJWTSecret, "acct-1", "member")
	other := accountToken(t, testJWTSecret, "acct-2", "member")

	created := s.do(t, http.MethodPost, "/batch-runs/rank", owner, map[string]any{"items": rankItems(4)})
	require.Equal(t, http.StatusCreated, created.Code)
	runID := decode(t, created)["runId"].(string)

	rec := s.do(t, http.MethodGet, "/batch-runs/"+runID+"/status", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(4), body["totalItems"])
	assert.Equal(t, float64(0), body["progressPercent"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/batch-runs/"+runID+"/status", other, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/batch-runs/not-a-run/status", owner, nil).Code)

	list := s.do(t, http.MethodGet, "/batch-runs?batchType=rank&limit=10", owner, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, float64(1), decode(t, list)["total"])
}

func TestCronRequiresSecretAndDrivesRuns(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50})
	token := accountToken(t, testJWTSecret, "acct-1", "member")
	created := s.do(t, http.MethodPost, "/batch-runs/rank", token, map[string]any{
		"items":                   rankItems(3),
		"estimatedCreditsPerItem": 2,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	runID := decode(t, created)["runId"].(string)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/cron/hourly", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/cron/hourly", "wrong", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/cron/hourly", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/cron/weekly", testCronSecret, nil).Code)

	rec := s.do(t, http.MethodGet, "/cron/hourly", testCronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res dispatcher.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "hourly", res.Dispatcher)
	assert.Equal(t, 4, res.Summary.Total)

	st := decode(t, s.do(t, http.MethodGet, "/batch-runs/"+runID+"/status", token, nil))
	assert.Equal(t, "completed", st["status"])
	assert.Equal(t, float64(100), st["progressPercent"])
	assert.Equal(t, float64(6), st["creditsUsed"])
	assert.Equal(t, int64(44), testutil.Balance(t, s.db, "acct-1"))
}

func TestGrantCreditsRequiresAdmin(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 5})
	member := accountToken(t, testJWTSecret, "acct-1", "member")
	admin := accountToken(t, testJWTSecret, "ops-1", "admin")

	grant := map[string]any{
		"accountId":      "acct-1",
		"amount":         20,
		"idempotencyKey": "promo-2026-10",
		"description":    "promo",
	}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/credits/grants", member, grant).Code)

	rec := s.do(t, http.MethodPost, "/credits/grants", admin, grant)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(25), decode(t, rec)["creditsRemaining"])

	replay := s.do(t, http.MethodPost, "/credits/grants", admin, grant)
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, int64(25), testutil.Balance(t, s.db, "acct-1"))

	grant["amount"] = 30
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/credits/grants", admin, grant).Code)

	grant["transactionType"] = "debit"
	grant["idempotencyKey"] = "promo-debit"
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/credits/grants", admin, grant).Code)
}

func TestBalanceAndLedger(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 10})
	token := accountToken(t, testJWTSecret, "acct-1", "member")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/batch-runs/rank", token, map[string]any{"items": rankItems(2)}).Code)

	balance := decode(t, s.do(t, http.MethodGet, "/credits/balance", token, nil))
	assert.Equal(t, float64(8), balance["creditsRemaining"])

	rec := s.do(t, http.MethodGet, "/credits/ledger?limit=10&featureType=rank_check", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode(t, rec)
	assert.Equal(t, float64(1), ledger["total"])
	entries := ledger["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, float64(-2), entry["amount"])
	assert.Equal(t, "debit", entry["transactionType"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/credits/ledger?limit=-1", token, nil).Code)
}

func TestCreateBatchRunWithoutCheckerChargesNothing(t *testing.T) {
	s := newTestServer(t, map[string]int64{"acct-1": 50})
	token := accountToken(t, testJWTSecret, "acct-1", "member")

	rec := s.do(t, http.MethodPost, "/batch-runs/concept", token, map[string]any{
		"items": []map[string]string{{"concept": "teeth whitening"}},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	body := decode(t, rec)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "batch_type_unavailable", errBody["type"])
	assert.Equal(t, int64(50), testutil.Balance(t, s.db, "acct-1"))
	assert.Equal(t, int64(50), testutil.LedgerSum(t, s.db, "acct-1"))
	assert.Zero(t, testutil.CountRows(t, s.db, "batch_runs"))
}
