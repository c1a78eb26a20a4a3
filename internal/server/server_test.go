package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babyresell/escrow-engine/internal/config"
	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/money"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements gateway.PaymentGateway and gateway.WebhookVerifier
// with in-memory intents.
type mockGateway struct {
	mu      sync.Mutex
	intents map[string]*gateway.Intent
	seq     int
}

func newMockGateway() *mockGateway {
	return &mockGateway{intents: make(map[string]*gateway.Intent)}
}

func (m *mockGateway) Authorize(ctx context.Context, amount money.Amount, currency string, metadata map[string]string) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	intent := &gateway.Intent{
		ID:           fmt.Sprintf("pi_test%d", m.seq),
		ClientSecret: fmt.Sprintf("pi_test%d_secret", m.seq),
		Amount:       amount,
		Currency:     currency,
		Status:       gateway.IntentRequiresCapture,
	}
	m.intents[intent.ID] = intent
	return intent, nil
}

func (m *mockGateway) RetrieveIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, &gateway.Error{Code: "resource_missing", Message: "no such intent"}
	}
	cp := *intent
	return &cp, nil
}

func (m *mockGateway) Capture(ctx context.Context, id, idempotencyKey string) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, &gateway.Error{Code: "resource_missing", Message: "no such intent"}
	}
	intent.Status = gateway.IntentSucceeded
	cp := *intent
	return &cp, nil
}

func (m *mockGateway) CancelIntent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[id]; ok {
		intent.Status = gateway.IntentCanceled
	}
	return nil
}

func (m *mockGateway) Transfer(ctx context.Context, amount money.Amount, currency, destination, dedupeKey string, metadata map[string]string) (*gateway.TransferResult, error) {
	return &gateway.TransferResult{ID: "tr_test1", Amount: amount, Destination: destination}, nil
}

// VerifyEvent accepts payloads signed with "t=valid" and parses them as a
// JSON gateway.Event.
func (m *mockGateway) VerifyEvent(payload []byte, sigHeader string) (*gateway.Event, error) {
	if sigHeader != "t=valid" {
		return nil, gateway.ErrBadSignature
	}
	var event gateway.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, gateway.ErrBadSignature
	}
	return &event, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_test",
		AutoReleaseWindow:   72 * time.Hour,
		SweepInterval:       time.Minute,
		AdminSecret:         "test-admin-secret",
		RateLimitRPS:        10000,
	}
}

// newTestServer creates a server with in-memory stores and a mock gateway
func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw := newMockGateway()
	s, err := New(testConfig(), WithGateway(gw, gw))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// enablePayouts simulates the processor confirming the seller's connected
// account via an account.updated event.
func enablePayouts(t *testing.T, s *Server, eventID string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"ID":               eventID,
		"Type":             "account.updated",
		"AccountID":        "acct_test1",
		"ChargesEnabled":   true,
		"PayoutsEnabled":   true,
		"DetailsSubmitted": true,
	})
	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", bytes.NewBuffer(payload))
	req.Header.Set("Stripe-Signature", "t=valid")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("enable payouts: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// registerAccount registers a user and returns (userID, apiKey).
func registerAccount(t *testing.T, s *Server, seller bool) (string, string) {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/accounts", "", map[string]any{
		"seller":          seller,
		"payoutAccountId": "acct_test1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	return resp["userId"].(string), resp["apiKey"].(string)
}

// listItem creates a listing and returns the item ID.
func listItem(t *testing.T, s *Server, sellerKey string, price int64) string {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/items", sellerKey, map[string]any{
		"title":    "Baby carrier, barely used",
		"price":    price,
		"currency": "USD",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("list item: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	item := decode(t, w)["item"].(map[string]any)
	return item["id"].(string)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "", nil)
	// The auto-release timer is not running in tests, so aggregate health
	// is degraded. The endpoint itself must still respond with checks.
	resp := decode(t, w)
	if _, ok := resp["checks"]; !ok {
		t.Error("Expected checks in health response")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint_NotReadyBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Registration and auth tests
// ---------------------------------------------------------------------------

func TestRegisterAccount_ReturnsAPIKey(t *testing.T) {
	s := newTestServer(t)

	userID, apiKey := registerAccount(t, s, false)
	if userID == "" {
		t.Fatal("Expected generated userId")
	}
	if len(apiKey) < 10 || apiKey[:3] != "sk_" {
		t.Errorf("Expected sk_ API key, got %q", apiKey)
	}

	w := doJSON(t, s, "GET", "/v1/auth/me", apiKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /auth/me, got %d", w.Code)
	}
	if got := decode(t, w)["userId"]; got != userID {
		t.Errorf("userId = %v, want %s", got, userID)
	}
}

func TestRegisterAccount_DuplicateSeller(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/accounts", "", map[string]any{
		"userId": "user_dup", "seller": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("first register: got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/accounts", "", map[string]any{
		"userId": "user_dup", "seller": true,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate seller, got %d", w.Code)
	}
}

func TestRegisterAccount_RejectsMalformedUserID(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/accounts", "", map[string]any{
		"userId": "DROP TABLE users",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/transactions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/transactions", "sk_bogus", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bogus key, got %d", w.Code)
	}
}

func TestAdminRoutes_RequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/internal/auto-release/run", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/admin/internal/auto-release/run", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d: %s", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Purchase flow
// ---------------------------------------------------------------------------

func TestPurchaseFlow_EndToEnd(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := registerAccount(t, s, true)
	_, buyerKey := registerAccount(t, s, false)
	enablePayouts(t, s, "evt_setup_1")
	itemID := listItem(t, s, sellerKey, 9200)

	// Buyer places the hold.
	w := doJSON(t, s, "POST", "/v1/payment-intents", buyerKey, map[string]any{
		"itemId": itemID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("payment intent: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	intent := decode(t, w)["paymentIntent"].(map[string]any)
	intentID := intent["paymentIntentId"].(string)
	if intent["clientSecret"] == "" {
		t.Error("Expected client secret for confirmation")
	}

	// Buyer materializes the transaction.
	w = doJSON(t, s, "POST", "/v1/transactions", buyerKey, map[string]any{
		"itemId":          itemID,
		"paymentIntentId": intentID,
		"shippingAddress": "1 Main St",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create transaction: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	txn := decode(t, w)["transaction"].(map[string]any)
	txnID := txn["id"].(string)
	if txn["status"] != "payment_held" {
		t.Errorf("status = %v, want payment_held", txn["status"])
	}

	// Item is locked: a second hold on it must fail.
	w = doJSON(t, s, "POST", "/v1/payment-intents", buyerKey, map[string]any{
		"itemId": itemID,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for locked item, got %d", w.Code)
	}

	// Seller ships.
	w = doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/ship", sellerKey, map[string]any{
		"trackingNumber": "1Z999", "carrier": "ups",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ship: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	txn = decode(t, w)["transaction"].(map[string]any)
	if txn["status"] != "shipped" {
		t.Errorf("status = %v, want shipped", txn["status"])
	}

	// Buyer confirms delivery, which releases escrow and pays the seller.
	w = doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/confirm-delivery", buyerKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	txn = decode(t, w)["transaction"].(map[string]any)
	if txn["status"] != "completed" {
		t.Errorf("status = %v, want completed", txn["status"])
	}
	if txn["escrowStatus"] != "released" {
		t.Errorf("escrowStatus = %v, want released", txn["escrowStatus"])
	}
	if txn["payoutStatus"] != "completed" {
		t.Errorf("payoutStatus = %v, want completed", txn["payoutStatus"])
	}

	// Both parties can read, a stranger cannot.
	_, strangerKey := registerAccount(t, s, false)
	w = doJSON(t, s, "GET", "/v1/transactions/"+txnID, strangerKey, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-party read, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/transactions", buyerKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["count"].(float64); got != 1 {
		t.Errorf("buyer transaction count = %v, want 1", got)
	}
}

func TestPurchaseFlow_BuyerCannotShip(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := registerAccount(t, s, true)
	_, buyerKey := registerAccount(t, s, false)
	itemID := listItem(t, s, sellerKey, 5000)

	w := doJSON(t, s, "POST", "/v1/payment-intents", buyerKey, map[string]any{"itemId": itemID})
	intentID := decode(t, w)["paymentIntent"].(map[string]any)["paymentIntentId"].(string)

	w = doJSON(t, s, "POST", "/v1/transactions", buyerKey, map[string]any{
		"itemId": itemID, "paymentIntentId": intentID,
	})
	txnID := decode(t, w)["transaction"].(map[string]any)["id"].(string)

	w = doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/ship", buyerKey, map[string]any{
		"trackingNumber": "1Z999",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when buyer ships, got %d", w.Code)
	}
}

func TestTransactionRoutes_RejectMalformedID(t *testing.T) {
	s := newTestServer(t)
	_, key := registerAccount(t, s, false)

	w := doJSON(t, s, "GET", "/v1/transactions/%3Bdrop", key, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhook delivery
// ---------------------------------------------------------------------------

func TestWebhook_BadSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=garbage")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad signature, got %d", w.Code)
	}
}

func TestWebhook_AccountUpdatedEnablesPayouts(t *testing.T) {
	s := newTestServer(t)
	sellerID, _ := registerAccount(t, s, true)

	enablePayouts(t, s, "evt_1")

	seller, err := s.directory.Get(context.Background(), sellerID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if !seller.PayoutReady() {
		t.Error("Expected seller to be payout-ready after account.updated")
	}
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

func TestCreateItem_Validation(t *testing.T) {
	s := newTestServer(t)
	_, key := registerAccount(t, s, true)

	w := doJSON(t, s, "POST", "/v1/items", key, map[string]any{
		"title": "", "price": -5, "currency": "usd",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetItem(t *testing.T) {
	s := newTestServer(t)
	_, key := registerAccount(t, s, true)
	itemID := listItem(t, s, key, 1500)

	w := doJSON(t, s, "GET", "/v1/items/"+itemID, key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	item := decode(t, w)["item"].(map[string]any)
	if item["status"] != "active" {
		t.Errorf("status = %v, want active", item["status"])
	}

	w = doJSON(t, s, "GET", "/v1/items/item_missing", key, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
