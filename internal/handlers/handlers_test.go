package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/imrishuroy/go-token-checkout/internal/checkout"
	"github.com/imrishuroy/go-token-checkout/internal/idempotency"
	"github.com/imrishuroy/go-token-checkout/internal/reconcile"
	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/sessions/boltstore"
	"github.com/imrishuroy/go-token-checkout/internal/validation"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

const testSecret = "whsec_handlers_test"

// stubStore records writes and serves canned reads.
type stubStore struct {
	mu          sync.Mutex
	writes      int
	completeErr error
	sessions    map[string]*sessions.Session
	balances    map[int64]int64
	getErr      error
	getCalls    int
}

func (s *stubStore) CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (sessions.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.completeErr != nil {
		return sessions.CompletionResult{}, s.completeErr
	}
	return sessions.CompletionResult{SessionID: sessionID, UserID: userID, TokenAmount: tokenAmount, Balance: tokenAmount}, nil
}

func (s *stubStore) MarkFailed(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return true, nil
}

func (s *stubStore) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.sessions[sessionID], nil
}

func (s *stubStore) GetBalance(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

type stubStarter struct {
	calls int
	keys  []string
	err   error
}

func (s *stubStarter) Start(ctx context.Context, userID, tokenAmount int64, idempotencyKey string) (checkout.Checkout, error) {
	s.calls++
	s.keys = append(s.keys, idempotencyKey)
	if s.err != nil {
		return checkout.Checkout{}, s.err
	}
	id := fmt.Sprintf("cs_%d_%d", userID, s.calls)
	return checkout.Checkout{URL: "https://checkout.stripe.com/c/pay/" + id, SessionID: id}, nil
}

type memIdempotency struct {
	mu   sync.Mutex
	recs map[string]*idempotency.Record
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{recs: map[string]*idempotency.Record{}}
}

func (m *memIdempotency) CreateIfNotExists(ctx context.Context, key string, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[key]; ok {
		return false, nil
	}
	m.recs[key] = &idempotency.Record{IdempotencyKey: key, UserID: userID, Status: idempotency.StatusInProgress}
	return true, nil
}

func (m *memIdempotency) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memIdempotency) MarkDone(ctx context.Context, key, sessionID, body string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[key]
	rec.Status, rec.SessionID, rec.ResponseBody, rec.ResponseStatus = idempotency.StatusDone, sessionID, body, status
	return nil
}

func (m *memIdempotency) MarkFailed(ctx context.Context, key, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[key]
	rec.Status, rec.Note = idempotency.StatusFailed, note
	return nil
}

type storeForTest interface {
	reconcile.SessionStore
	SessionReader
}

func newTestRouter(t *testing.T, store storeForTest, starter CheckoutStarter, idem IdempotencyStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := webhook.NewVerifier(testSecret)
	require.NoError(t, err)
	return NewRouter(HandlerConfig{
		Verifier:        v,
		Reconciler:      reconcile.New(store),
		Checkout:        starter,
		Sessions:        store,
		Idempotency:     idem,
		Validator:       validation.New(validation.Limits{PriceCents: 1, MaxTokens: 100000}),
		Logger:          zerolog.Nop(),
		StatusRateLimit: 100,
		StatusRateBurst: 100,
	})
}

func completedEvent(sessionID, userID, amount string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_%s",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"object": "checkout.session",
			"payment_status": "paid",
			"metadata": {"user_id": %q, "token_amount": %q}
		}}
	}`, sessionID, sessionID, userID, amount))
}

func deliver(r *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sign(payload []byte) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	}).Header
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestWebhook_DuplicateDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Create(ctx, sessions.Session{SessionID: "cs_42", UserID: 42, TokenAmount: 1000}))

	r := newTestRouter(t, st, &stubStarter{}, nil)
	payload := completedEvent("cs_42", "42", "1000")

	first := deliver(r, payload, sign(payload))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	body := decode(t, first)
	assert.Equal(t, false, body["alreadyCompleted"])
	assert.Equal(t, float64(1000), body["tokensCredited"])
	assert.Equal(t, float64(1000), body["balance"])

	second := deliver(r, payload, sign(payload))
	require.Equal(t, http.StatusOK, second.Code)
	body = decode(t, second)
	assert.Equal(t, true, body["alreadyCompleted"])
	assert.Equal(t, float64(1000), body["balance"])

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("X-User-Id", "42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1000), decode(t, w)["tokenBalance"])

	req = httptest.NewRequest(http.MethodGet, "/api/payment-status/cs_42", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["status"])
}

func TestWebhook_AuthenticationFailureTouchesNothing(t *testing.T) {
	store := &stubStore{}
	r := newTestRouter(t, store, &stubStarter{}, nil)
	payload := completedEvent("cs_1", "42", "1000")
	sig := sign(payload)

	tampered := []byte(strings.Replace(string(payload), `"1000"`, `"9000"`, 1))
	for name, w := range map[string]*httptest.ResponseRecorder{
		"tampered body":     deliver(r, tampered, sig),
		"missing signature": deliver(r, payload, ""),
		"garbage signature": deliver(r, payload, "t=1,v1=deadbeef"),
	} {
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
	assert.Zero(t, store.writes)
}

func TestWebhook_MissingSecretIsServerError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &stubStore{}
	r := NewRouter(HandlerConfig{Reconciler: reconcile.New(store), Sessions: store, Logger: zerolog.Nop()})

	payload := completedEvent("cs_1", "42", "1000")
	w := deliver(r, payload, sign(payload))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, store.writes)
}

func TestWebhook_RetryPolicy(t *testing.T) {
	cases := []struct {
		name   string
		user   string
		amount string
		err    error
		want   int
		writes int
	}{
		{"zero user acknowledged", "0", "10", nil, http.StatusOK, 0},
		{"negative amount acknowledged", "42", "-5", nil, http.StatusOK, 0},
		{"credited", "42", "10", nil, http.StatusOK, 1},
		{"timeout retried", "42", "10", errors.New("dial tcp 10.0.0.1:5432: i/o timeout"), http.StatusInternalServerError, 1},
		{"classified transient retried", "42", "10", sessions.Transient("complete and credit", errors.New("throttled")), http.StatusInternalServerError, 1},
		{"integrity acknowledged", "42", "10", sessions.Permanent("complete and credit", sessions.ErrSessionMismatch), http.StatusOK, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &stubStore{completeErr: tc.err}
			r := newTestRouter(t, store, &stubStarter{}, nil)
			payload := completedEvent("cs_x", tc.user, tc.amount)
			w := deliver(r, payload, sign(payload))
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assert.Equal(t, tc.writes, store.writes)
		})
	}
}

func TestWebhook_IgnoredEvent(t *testing.T) {
	store := &stubStore{}
	r := newTestRouter(t, store, &stubStarter{}, nil)
	payload := []byte(`{"id":"evt_pi","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)

	w := deliver(r, payload, sign(payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])
	assert.Zero(t, store.writes)
}

func postCheckout(r *gin.Engine, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/create-checkout-session", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateCheckout(t *testing.T) {
	starter := &stubStarter{}
	r := newTestRouter(t, &stubStore{}, starter, nil)

	assert.Equal(t, http.StatusUnauthorized, postCheckout(r, "", "", `{"amount":10}`).Code)
	assert.Equal(t, http.StatusUnauthorized, postCheckout(r, "-3", "", `{"amount":10}`).Code)
	assert.Equal(t, http.StatusBadRequest, postCheckout(r, "42", "", `{"amount":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, postCheckout(r, "42", "", `{"amount":100001}`).Code)
	assert.Zero(t, starter.calls)

	w := postCheckout(r, "42", "", `{"amount":1000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "cs_42_1", body["sessionId"])
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_42_1", body["url"])
	assert.Equal(t, "/api/payment-status/cs_42_1", w.Header().Get("Location"))
}

func TestCreateCheckout_SetupFailure(t *testing.T) {
	starter := &stubStarter{err: fmt.Errorf("%w: stripe unavailable", checkout.ErrSetupFailed)}
	idem := newMemIdempotency()
	r := newTestRouter(t, &stubStore{}, starter, idem)

	w := postCheckout(r, "42", "k1", `{"amount":10}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = postCheckout(r, "42", "k1", `{"amount":10}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "previous_attempt_failed", decode(t, w)["error"])
	assert.Equal(t, 1, starter.calls)
}

func TestCreateCheckout_IdempotentReplay(t *testing.T) {
	starter := &stubStarter{}
	idem := newMemIdempotency()
	r := newTestRouter(t, &stubStore{}, starter, idem)

	first := postCheckout(r, "42", "k1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, first.Code)
	second := postCheckout(r, "42", "k1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, starter.calls)
	assert.Equal(t, idempotency.Key(42, "k1"), starter.keys[0])

	// same client key from another user is a different request
	other := postCheckout(r, "43", "k1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, 2, starter.calls)

	// a request still in flight
	_, err := idem.CreateIfNotExists(context.Background(), idempotency.Key(42, "k2"), 42)
	require.NoError(t, err)
	w := postCheckout(r, "42", "k2", `{"amount":10}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestPaymentStatus(t *testing.T) {
	store := &stubStore{sessions: map[string]*sessions.Session{
		"cs_p": {SessionID: "cs_p", Status: sessions.StatusPending},
		"cs_f": {SessionID: "cs_f", Status: sessions.StatusFailed},
	}}
	r := newTestRouter(t, store, &stubStarter{}, nil)

	get := func(id string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payment-status/"+id, nil))
		return w
	}

	w := get("cs_p")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])
	assert.Equal(t, "failed", decode(t, get("cs_f"))["status"])
	assert.Equal(t, http.StatusNotFound, get("cs_missing").Code)

	store.getErr = errors.New("connection reset")
	assert.Equal(t, http.StatusInternalServerError, get("cs_p").Code)
}

// blockingStore holds the first status read open until release is closed, and fails reads
// whose context is already done.
type blockingStore struct {
	*stubStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stubStore.Get(ctx, sessionID)
}

func TestPaymentStatus_SharedReadSurvivesCallerCancel(t *testing.T) {
	store := &blockingStore{
		stubStore: &stubStore{sessions: map[string]*sessions.Session{"cs_s": {SessionID: "cs_s", Status: sessions.StatusCompleted}}},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	r := newTestRouter(t, store, &stubStarter{}, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		req := httptest.NewRequest(http.MethodGet, "/api/payment-status/cs_s", nil).WithContext(leaderCtx)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-store.entered
	cancelLeader()

	follower := httptest.NewRecorder()
	followerDone := make(chan struct{})
	go func() {
		defer close(followerDone)
		r.ServeHTTP(follower, httptest.NewRequest(http.MethodGet, "/api/payment-status/cs_s", nil))
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	<-leaderDone
	<-followerDone

	require.Equal(t, http.StatusOK, follower.Code)
	assert.Equal(t, "completed", decode(t, follower)["status"])
}

func TestPaymentStatus_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &stubStore{sessions: map[string]*sessions.Session{"cs_p": {SessionID: "cs_p", Status: sessions.StatusPending}}}
	v, err := webhook.NewVerifier(testSecret)
	require.NoError(t, err)
	r := NewRouter(HandlerConfig{
		Verifier:        v,
		Reconciler:      reconcile.New(store),
		Sessions:        store,
		Logger:          zerolog.Nop(),
		StatusRateLimit: 0.001,
		StatusRateBurst: 2,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/payment-status/cs_p", nil)
		req.Header.Set("X-User-Id", "9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestPaymentStatus_RotatingUserHeaderSharesBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &stubStore{sessions: map[string]*sessions.Session{"cs_p": {SessionID: "cs_p", Status: sessions.StatusPending}}}
	v, err := webhook.NewVerifier(testSecret)
	require.NoError(t, err)
	r := NewRouter(HandlerConfig{
		Verifier:        v,
		Reconciler:      reconcile.New(store),
		Sessions:        store,
		Logger:          zerolog.Nop(),
		StatusRateLimit: 0.001,
		StatusRateBurst: 2,
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/payment-status/cs_p", nil)
		req.Header.Set("X-User-Id", fmt.Sprint(1000+i))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestLimiterSet_EvictsLeastRecentlySeen(t *testing.T) {
	set := newLimiterSet(1, 1, 2)
	a := set.get("a")
	b := set.get("b")
	assert.Same(t, a, set.get("a"))

	set.get("c")
	assert.Same(t, a, set.get("a"), "recently seen client keeps its bucket")
	assert.NotSame(t, b, set.get("b"), "oldest client was evicted")
}

func TestHealthAndRequestID(t *testing.T) {
	r := newTestRouter(t, &stubStore{}, &stubStarter{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "token_checkout_http_requests_total")
}
