package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ReelForgeLabs/reelforge/internal/payments"
	"github.com/ReelForgeLabs/reelforge/internal/provider"
	"github.com/ReelForgeLabs/reelforge/internal/store/gormstore"
	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "reelforge-auth"
	testUserValue  = "user-1"
)

type scriptedProvider struct {
	name        string
	submitID    string
	submitError error
	event       provider.WebhookEvent
	parseError  error
}

func (scripted *scriptedProvider) Name() string { return scripted.name }

func (scripted *scriptedProvider) Submit(ctx context.Context, request provider.SubmitRequest) (string, error) {
	if scripted.submitError != nil {
		return "", scripted.submitError
	}
	return scripted.submitID, nil
}

func (scripted *scriptedProvider) Poll(ctx context.Context, externalID string) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusPending}, nil
}

func (scripted *scriptedProvider) ParseWebhook(body []byte) (provider.WebhookEvent, error) {
	if scripted.parseError != nil {
		return provider.WebhookEvent{}, scripted.parseError
	}
	return scripted.event, nil
}

// jobRecorder bridges the reconciler to the ledger the same way the daemon
// wiring does, including the duplicate-key swallow that makes retries safe.
type jobRecorder struct {
	ledger *ledger.Service
}

func (recorder *jobRecorder) DebitJob(ctx context.Context, userID string, amount int64, jobID string) error {
	userValue, amountValue, reference, key, metadata, err := jobOperands(userID, amount, jobID, billing.SpendIdempotencyKey(jobID))
	if err != nil {
		return err
	}
	err = recorder.ledger.Debit(ctx, userValue, amountValue, reference, key, metadata)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func (recorder *jobRecorder) RefundJob(ctx context.Context, userID string, amount int64, jobID string) error {
	userValue, amountValue, reference, key, metadata, err := jobOperands(userID, amount, jobID, billing.RefundIdempotencyKey(jobID))
	if err != nil {
		return err
	}
	err = recorder.ledger.Refund(ctx, userValue, amountValue, reference, key, metadata)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func jobOperands(userID string, amount int64, jobID string, rawKey string) (ledger.UserID, ledger.PositiveCredits, ledger.Reference, ledger.IdempotencyKey, ledger.MetadataJSON, error) {
	userValue, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.IdempotencyKey{}, ledger.MetadataJSON{}, err
	}
	amountValue, err := ledger.NewPositiveCredits(amount)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.IdempotencyKey{}, ledger.MetadataJSON{}, err
	}
	reference, err := ledger.NewReference(billing.ReferenceKindJob, jobID)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.IdempotencyKey{}, ledger.MetadataJSON{}, err
	}
	key, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.IdempotencyKey{}, ledger.MetadataJSON{}, err
	}
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		return ledger.UserID{}, ledger.PositiveCredits{}, ledger.Reference{}, ledger.IdempotencyKey{}, ledger.MetadataJSON{}, err
	}
	return userValue, amountValue, reference, key, metadata, nil
}

type serverHarness struct {
	router    http.Handler
	ledger    *ledger.Service
	jobs      *billing.Registry
	sora      *scriptedProvider
	dashscope *scriptedProvider
}

func newServerHarness(test *testing.T) *serverHarness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/webserver.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&gormstore.LedgerEntry{}, &gormstore.Job{}); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(gormstore.NewLedgerStore(db), clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	jobStore := gormstore.NewJobStore(db)
	registry, err := billing.NewRegistry(jobStore, clock)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	reconciler, err := billing.NewReconciler(jobStore, &jobRecorder{ledger: ledgerService}, clock)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}

	sora := &scriptedProvider{name: provider.SoraName, submitID: "sora-ext-1"}
	dashscope := &scriptedProvider{name: provider.DashScopeName, submitID: "dash-ext-1"}
	server := New(
		Config{
			ListenAddr:      "127.0.0.1:0",
			AllowedOrigins:  []string{"https://app.example.com"},
			JWTSigningKey:   testSigningKey,
			JWTIssuer:       testIssuer,
			CallbackBaseURL: "https://api.example.com",
		},
		zap.NewNop(),
		ledgerService,
		registry,
		reconciler,
		provider.NewRegistry(sora, dashscope),
		payments.NewRegistry(payments.NewStripe(), payments.NewWeChatPay()),
		payments.NewCapturer(ledgerService, nil),
	)
	return &serverHarness{
		router:    server.Router(),
		ledger:    ledgerService,
		jobs:      registry,
		sora:      sora,
		dashscope: dashscope,
	}
}

func mintToken(test *testing.T, signingKey string, subject string) string {
	test.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func (fixture *serverHarness) do(test *testing.T, method string, path string, token string, body string) *httptest.ResponseRecorder {
	test.Helper()
	request := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *serverHarness) creditUser(test *testing.T, userID string, amount int64, rawKey string) {
	test.Helper()
	userValue, amountValue, reference, key, metadata, err := jobOperands(userID, amount, "seed", rawKey)
	if err != nil {
		test.Fatalf("operands: %v", err)
	}
	if err := fixture.ledger.Credit(context.Background(), userValue, amountValue, ledger.EntryPurchased, reference, key, 0, metadata); err != nil {
		test.Fatalf("seed credit: %v", err)
	}
}

func (fixture *serverHarness) balanceOf(test *testing.T, userID string) int64 {
	test.Helper()
	userValue, err := ledger.NewUserID(userID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	balance, err := fixture.ledger.Balance(context.Background(), userValue)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func decodeJob(test *testing.T, recorder *httptest.ResponseRecorder) jobPayload {
	test.Helper()
	var payload struct {
		Job jobPayload `json:"job"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode job response: %v", err)
	}
	return payload.Job
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)

	recorder := fixture.do(test, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRejectsMissingOrForgedToken(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)

	recorder := fixture.do(test, http.MethodGet, "/api/v1/credits/balance", "", "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	forged := mintToken(test, "wrong-key", testUserValue)
	recorder = fixture.do(test, http.MethodGet, "/api/v1/credits/balance", forged, "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for forged token, got %d", recorder.Code)
	}
}

func TestCreateJobPreChargesFlatTask(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.creditUser(test, testUserValue, 100, "payment:seed-1")
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", token,
		`{"task_type":"image_to_video","prompt":"a fox at dawn","image_url":"https://cdn.example/fox.png"}`)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	job := decodeJob(test, recorder)
	if job.State != "dispatched" || !job.PreCharged {
		test.Fatalf("unexpected job %+v", job)
	}

	if balance := fixture.balanceOf(test, testUserValue); balance != 75 {
		test.Fatalf("expected balance 75 after flat pre-charge, got %d", balance)
	}
}

func TestCreateJobPostPaymentDefersCharge(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", token,
		`{"task_type":"motion_transfer","video_url":"https://cdn.example/dance.mp4"}`)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	job := decodeJob(test, recorder)
	if job.PreCharged {
		test.Fatal("duration-priced task must not pre-charge")
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 0 {
		test.Fatalf("expected untouched balance, got %d", balance)
	}
}

func TestCreateJobRefundsWhenSubmitFails(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.creditUser(test, testUserValue, 100, "payment:seed-1")
	fixture.sora.submitError = provider.ErrRejected
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", token,
		`{"task_type":"text_to_video","prompt":"a fox at dawn"}`)
	if recorder.Code != http.StatusBadGateway {
		test.Fatalf("expected 502, got %d", recorder.Code)
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 100 {
		test.Fatalf("expected pre-charge refunded, got balance %d", balance)
	}
}

func TestCreateJobRejectsUnknownTaskType(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", token, `{"task_type":"teleport"}`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestProviderWebhookSettlesExactlyOnce(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.creditUser(test, testUserValue, 100, "payment:seed-1")
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", token,
		`{"task_type":"motion_transfer","video_url":"https://cdn.example/dance.mp4"}`)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("create: expected 201, got %d", recorder.Code)
	}
	job := decodeJob(test, recorder)

	fixture.dashscope.event = provider.WebhookEvent{
		ExternalID: fixture.dashscope.submitID,
		Result: provider.PollResult{
			Status:          provider.StatusSucceeded,
			DurationSeconds: 6,
			ResultURL:       "https://cdn.example/out.mp4",
		},
	}
	recorder = fixture.do(test, http.MethodPost, "/webhooks/providers/dashscope", "", `{}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("webhook: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var first struct {
		Applied bool   `json:"applied"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &first); err != nil {
		test.Fatalf("decode webhook response: %v", err)
	}
	if !first.Applied || first.State != "settled" {
		test.Fatalf("expected applied settle, got %+v", first)
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 40 {
		test.Fatalf("expected balance 40 after 6s at rate 10, got %d", balance)
	}

	// Redelivery acknowledges without billing again.
	recorder = fixture.do(test, http.MethodPost, "/webhooks/providers/dashscope", "", `{}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("redelivery: expected 200, got %d", recorder.Code)
	}
	var second struct {
		Applied bool `json:"applied"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &second); err != nil {
		test.Fatalf("decode redelivery response: %v", err)
	}
	if second.Applied {
		test.Fatal("redelivered webhook must not apply")
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 40 {
		test.Fatalf("expected unchanged balance, got %d", balance)
	}

	recorder = fixture.do(test, http.MethodGet, "/api/v1/jobs/"+job.JobID, token, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("get job: expected 200, got %d", recorder.Code)
	}
	settled := decodeJob(test, recorder)
	if settled.State != "settled" || settled.ResultURL != "https://cdn.example/out.mp4" {
		test.Fatalf("unexpected settled job %+v", settled)
	}
}

func TestProviderWebhookRejectsMalformedPayload(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.dashscope.parseError = provider.ErrMalformedPayload

	recorder := fixture.do(test, http.MethodPost, "/webhooks/providers/dashscope", "", `garbage`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestProviderWebhookUnknownTask(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.sora.event = provider.WebhookEvent{
		ExternalID: "never-dispatched",
		Result:     provider.PollResult{Status: provider.StatusSucceeded},
	}

	recorder := fixture.do(test, http.MethodPost, "/webhooks/providers/sora", "", `{}`)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestPaymentWebhookCreditsBalance(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	body := `{
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_100", "metadata": {"user_id": "user-1", "credits": "500"}}}
	}`

	recorder := fixture.do(test, http.MethodPost, "/webhooks/payments/stripe", "", body)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}

	// Stripe redelivers; the duplicate capture is acknowledged, not repeated.
	recorder = fixture.do(test, http.MethodPost, "/webhooks/payments/stripe", "", body)
	if recorder.Code != http.StatusOK {
		test.Fatalf("redelivery: expected 200, got %d", recorder.Code)
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 500 {
		test.Fatalf("expected unchanged balance, got %d", balance)
	}

	token := mintToken(test, testSigningKey, testUserValue)
	recorder = fixture.do(test, http.MethodGet, "/api/v1/credits/history", token, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("history: expected 200, got %d", recorder.Code)
	}
	var history struct {
		Entries []entryPayload `json:"entries"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &history); err != nil {
		test.Fatalf("decode history: %v", err)
	}
	if len(history.Entries) != 1 || history.Entries[0].Amount != 500 {
		test.Fatalf("unexpected history %+v", history.Entries)
	}
}

func TestPaymentWebhookIgnoresUnrelatedEvents(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)

	recorder := fixture.do(test, http.MethodPost, "/webhooks/payments/stripe", "", `{"type":"invoice.paid"}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if balance := fixture.balanceOf(test, testUserValue); balance != 0 {
		test.Fatalf("expected no credit, got %d", balance)
	}
}

func TestGetJobHidesOtherUsersJobs(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	ownerToken := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodPost, "/api/v1/jobs", ownerToken,
		`{"task_type":"motion_transfer","video_url":"https://cdn.example/dance.mp4"}`)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("create: expected 201, got %d", recorder.Code)
	}
	job := decodeJob(test, recorder)

	otherToken := mintToken(test, testSigningKey, "user-2")
	recorder = fixture.do(test, http.MethodGet, "/api/v1/jobs/"+job.JobID, otherToken, "")
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for another user's job, got %d", recorder.Code)
	}

	recorder = fixture.do(test, http.MethodGet, "/api/v1/jobs/"+job.JobID, ownerToken, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 for the owner, got %d", recorder.Code)
	}
}

func TestBalanceEndpoint(test *testing.T) {
	test.Parallel()
	fixture := newServerHarness(test)
	fixture.creditUser(test, testUserValue, 120, "payment:seed-1")
	token := mintToken(test, testSigningKey, testUserValue)

	recorder := fixture.do(test, http.MethodGet, "/api/v1/credits/balance", token, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode balance: %v", err)
	}
	if payload.Balance != 120 {
		test.Fatalf("expected balance 120, got %d", payload.Balance)
	}
}
