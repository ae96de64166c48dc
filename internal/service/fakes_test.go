package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"genrelay/internal/chat"
	"genrelay/internal/config"
	"genrelay/internal/infrastructure/database"
	"genrelay/internal/infrastructure/nowpayments"
	"genrelay/internal/infrastructure/runpod"
	"genrelay/internal/ledger"
	"genrelay/internal/metrics"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testKafka = &config.KafkaConfig{
	Enabled: true,
	Topic:   config.KafkaTopicConfig{PaymentResult: "payment_result", UserNotify: "user_notify"},
}

type fixture struct {
	db       *gorm.DB
	store    *ledger.Store
	guard    *ledger.Guard
	notifier *Notifier
	outbox   *repository.OutboxRepository
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	store := ledger.NewStore(db, ledger.NewLocalWriteLock(), zap.NewNop())
	return &fixture{
		db:       db,
		store:    store,
		guard:    ledger.NewGuard(store),
		notifier: NewNotifier(db, testKafka, zap.NewNop()),
		outbox:   repository.NewOutboxRepository(db),
		metrics:  metrics.NewNop(),
	}
}

func (f *fixture) seed(t *testing.T, orderID, status string, amount float64, credits int64) {
	t.Helper()
	require.NoError(t, f.store.CreateTransaction(context.Background(), &model.PaymentTransaction{
		OrderID:   orderID,
		UserID:    42,
		PackageID: "standard",
		AmountUSD: amount,
		Credits:   credits,
		Status:    status,
	}))
}

func (f *fixture) status(t *testing.T, orderID string) string {
	t.Helper()
	trans, err := f.store.GetTransaction(context.Background(), orderID)
	require.NoError(t, err)
	return trans.Status
}

func (f *fixture) credits(t *testing.T, userID int64) int64 {
	t.Helper()
	user, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Credits
}

func (f *fixture) pendingOutbox(t *testing.T, topic string) []*model.OutboxMessage {
	t.Helper()
	msgs, err := f.outbox.GetPendingMessages(context.Background(), []string{topic}, 100)
	require.NoError(t, err)
	return msgs
}

type photo struct {
	chatID  int64
	image   []byte
	caption string
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []chat.Message
	photos   []photo
	answers  []string
	photoErr error
}

func (m *fakeMessenger) SendMessage(_ context.Context, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, chatID int64, image []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.photoErr != nil {
		return m.photoErr
	}
	m.photos = append(m.photos, photo{chatID: chatID, image: image, caption: caption})
	return nil
}

func (m *fakeMessenger) AnswerCallback(_ context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, callbackID)
	return nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.Text)
	}
	return out
}

func (m *fakeMessenger) last() chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return chat.Message{}
	}
	return m.messages[len(m.messages)-1]
}

func (m *fakeMessenger) sentPhotos() []photo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]photo(nil), m.photos...)
}

type fakeInvoices struct {
	mu       sync.Mutex
	requests []nowpayments.InvoiceRequest
	invoice  *nowpayments.Invoice
	err      error
}

func (f *fakeInvoices) CreateInvoice(_ context.Context, in nowpayments.InvoiceRequest) (*nowpayments.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.invoice, nil
}

type fakeLookup struct {
	payload map[string]interface{}
	err     error
	asked   []string
}

func (f *fakeLookup) GetPayment(_ context.Context, paymentID string) (map[string]interface{}, error) {
	f.asked = append(f.asked, paymentID)
	return f.payload, f.err
}

// fakeBackend 依次返回 steps 中的状态，最后一个状态重复返回
type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	steps     []backendStep
	polled    int
	submitted []runpod.Workflow
}

type backendStep struct {
	status string
	err    error
}

func (b *fakeBackend) Submit(_ context.Context, wf runpod.Workflow) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, wf)
	return "job-1", nil
}

func (b *fakeBackend) Status(_ context.Context, jobID string) (*runpod.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.polled
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	b.polled++
	step := b.steps[i]
	if step.err != nil {
		return nil, step.err
	}
	var st runpod.JobStatus
	if err := json.Unmarshal([]byte(step.status), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

const (
	jobRunning   = `{"id":"job-1","status":"IN_PROGRESS"}`
	jobCompleted = `{"id":"job-1","status":"COMPLETED","output":{"images":[{"filename":"a.png","type":"base64","data":"aW1n"}]}}`
	jobFailed    = `{"id":"job-1","status":"FAILED","error":"out of memory"}`
)

func testWorkflow() runpod.Workflow {
	return runpod.Workflow{
		runpod.PromptNode: {"inputs": map[string]interface{}{"string_a": ""}},
		"3":               {"inputs": map[string]interface{}{"seed": 1}},
	}
}
