package service

import (
	"context"
	"testing"
	"time"

	"genrelay/internal/chat"
	"genrelay/internal/infrastructure/nowpayments"
	"genrelay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chatFixture struct {
	*fixture
	svc         *ChatService
	messenger   *fakeMessenger
	admission   *Admission
	backend     *fakeBackend
	generations *GenerationService
}

func newChatFixture(t *testing.T, quotaEnabled bool, allowance int) *chatFixture {
	t.Helper()
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{{status: jobCompleted}}}
	generations := NewGenerationService(f.store, admission, backend, testWorkflow(), messenger, f.metrics,
		time.Millisecond, time.Second, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		generations.Close(ctx)
	})

	invoices := &fakeInvoices{invoice: &nowpayments.Invoice{ID: "inv-9", InvoiceURL: "https://pay.example/inv-9"}}
	orders := NewOrderService(f.store, f.guard, invoices, testConfig(), zap.NewNop())
	quota := NewQuotaGate(f.store, quotaEnabled, allowance)

	return &chatFixture{
		fixture:     f,
		svc:         NewChatService(messenger, quota, admission, generations, orders, zap.NewNop()),
		messenger:   messenger,
		admission:   admission,
		backend:     backend,
		generations: generations,
	}
}

func text(s string) chat.Update {
	return chat.Update{ChatID: 42, UserID: 42, Text: s}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, cmd, args string
	}{
		{"/start", "/start", ""},
		{"/generate@relay_bot a red fox", "/generate", "a red fox"},
		{"  /GENERATE   sunset  ", "/generate", "sunset"},
		{"hello there", "", "hello there"},
	}
	for _, tc := range cases {
		cmd, args := parseCommand(tc.in)
		assert.Equal(t, tc.cmd, cmd, tc.in)
		assert.Equal(t, tc.args, args, tc.in)
	}
}

func TestStaticCommands(t *testing.T) {
	c := newChatFixture(t, true, 2)
	ctx := context.Background()

	c.svc.HandleUpdate(ctx, text("/start"))
	assert.Contains(t, c.messenger.last().Text, "You get **2 free generations** per day.")
	assert.True(t, c.messenger.last().Markdown)

	c.svc.HandleUpdate(ctx, text("/help"))
	assert.Equal(t, helpText, c.messenger.last().Text)

	c.svc.HandleUpdate(ctx, text("/terms"))
	assert.Equal(t, termsText, c.messenger.last().Text)

	c.svc.HandleUpdate(ctx, text("/examples"))
	assert.Equal(t, examplesText, c.messenger.last().Text)

	c.svc.HandleUpdate(ctx, text("/nope"))
	assert.Equal(t, unknownText, c.messenger.last().Text)

	before := len(c.messenger.texts())
	c.svc.HandleUpdate(ctx, text("just chatting"))
	assert.Len(t, c.messenger.texts(), before)
}

func TestStartInTestingMode(t *testing.T) {
	c := newChatFixture(t, false, 2)
	c.svc.HandleUpdate(context.Background(), text("/start"))
	assert.Contains(t, c.messenger.last().Text, "Testing mode: Unlimited generations!")
}

func TestBalanceCommand(t *testing.T) {
	c := newChatFixture(t, true, 2)
	ctx := context.Background()
	_, err := c.store.AdjustCredits(ctx, 42, 7, model.CreditLogTypeAdjust, "", "grant")
	require.NoError(t, err)

	c.svc.HandleUpdate(ctx, text("/balance"))
	assert.Equal(t, "💳 **Your Balance:**\n\nFree generations today: 2/2\nCredits: 7\n", c.messenger.last().Text)
}

func TestGenerateUsageHint(t *testing.T) {
	c := newChatFixture(t, true, 2)
	c.svc.HandleUpdate(context.Background(), text("/generate   "))
	assert.Equal(t, usageText, c.messenger.last().Text)
	assert.Zero(t, c.admission.Active())
}

func TestGenerateQueuesAndDelivers(t *testing.T) {
	c := newChatFixture(t, true, 2)
	ctx := context.Background()

	c.svc.HandleUpdate(ctx, text("/generate a red fox"))
	c.generations.Close(ctx)

	assert.Contains(t, c.messenger.texts(), "✅ Generation queued!\n\nUsing free generation (1 left today)\n\nYour image will be ready in ~30-60 seconds...")
	photos := c.messenger.sentPhotos()
	require.Len(t, photos, 1)
	assert.Equal(t, "✅ Complete!\n\na red fox", photos[0].caption)
	assert.Zero(t, c.admission.Active())

	user, err := c.store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, user.FreeUsed)
	assert.Equal(t, int64(1), user.TotalGenerated)
}

func TestGenerateQuotaExhausted(t *testing.T) {
	c := newChatFixture(t, true, 0)

	c.svc.HandleUpdate(context.Background(), text("/generate a red fox"))
	assert.Contains(t, c.messenger.last().Text, "No generations available")
	assert.Zero(t, c.admission.Active())
	assert.Empty(t, c.backend.submitted)
}

func TestGenerateAlreadyRunningAndBusy(t *testing.T) {
	c := newChatFixture(t, false, 0)
	ctx := context.Background()

	require.NoError(t, c.admission.TryAdmit(42))
	c.svc.HandleUpdate(ctx, text("/generate a red fox"))
	assert.Equal(t, "⏳ You already have a generation in progress. Please wait for it to complete.", c.messenger.last().Text)

	c.svc.HandleUpdate(ctx, chat.Update{ChatID: 7, UserID: 7, Text: "/generate a red fox"})
	assert.Equal(t, "⏳ Server is busy (1/1 active). Please try again in a moment.", c.messenger.last().Text)
	assert.Equal(t, 1, c.admission.Active())
}

func TestBuyFlow(t *testing.T) {
	c := newChatFixture(t, true, 2)
	ctx := context.Background()

	c.svc.HandleUpdate(ctx, text("/buy"))
	menu := c.messenger.last()
	require.Len(t, menu.Buttons, 2)
	assert.Equal(t, "buy:starter", menu.Buttons[0][0].Data)
	assert.Equal(t, "10 credits - $5.00", menu.Buttons[0][0].Text)

	c.svc.HandleUpdate(ctx, chat.Update{ChatID: 42, UserID: 42, CallbackID: "cb-1", CallbackData: "buy:starter"})
	assert.Equal(t, []string{"cb-1"}, c.messenger.answers)

	invoice := c.messenger.last()
	require.Len(t, invoice.Buttons, 1)
	assert.Equal(t, "https://pay.example/inv-9", invoice.Buttons[0][0].URL)

	list, total, err := c.store.ListTransactions(ctx, 42, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, model.PaymentStatusPending, list[0].Status)
	assert.Contains(t, invoice.Text, list[0].OrderID)
}

func TestBuyUnknownPackage(t *testing.T) {
	c := newChatFixture(t, true, 2)
	c.svc.HandleUpdate(context.Background(), chat.Update{ChatID: 42, UserID: 42, CallbackID: "cb-2", CallbackData: "buy:gold"})
	assert.Contains(t, c.messenger.last().Text, "no longer available")
}
