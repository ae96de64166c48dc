package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genrelay/internal/chat"
	"genrelay/internal/ledger"

	"go.uber.org/zap"
)

const buyCallbackPrefix = "buy:"

const (
	helpText = "📋 **Available Commands:**\n\n" +
		"/generate <prompt> - Generate an image\n" +
		"/balance - Check credits & usage\n" +
		"/buy - Buy credits\n" +
		"/examples - Prompt ideas\n" +
		"/terms - Terms of service\n" +
		"/help - Show this message"

	examplesText = "💡 **Prompt Examples:**\n\n" +
		"• Beautiful woman, blonde hair, soft lighting, bedroom, candid photo\n" +
		"• Latina model, tattooed, cinematic lighting, professional photography\n" +
		"• Asian woman, elegant dress, studio lighting, fashion photography\n" +
		"• Redhead girl, freckles, natural light, outdoor portrait\n" +
		"• Athletic woman, gym setting, dynamic pose, fitness photography\n\n" +
		"Tips: Be descriptive about lighting, setting, and style!"

	termsText = "📜 **Terms of Service:**\n\n" +
		"• Must be 18+ to use this service\n" +
		"• No real people or celebrities\n" +
		"• No illegal or harmful content\n" +
		"• Abuse will result in permanent ban\n" +
		"• Generated images are for personal use\n" +
		"• We reserve the right to refuse service"

	usageText   = "❗ Usage: /generate <description>\n\nExample:\n/generate beautiful woman, soft lighting, professional photo"
	unknownText = "❓ Unknown command. Use /help to see available commands."
)

// ChatService 聊天命令分发
type ChatService struct {
	messenger   chat.Messenger
	quota       *QuotaGate
	admission   *Admission
	generations *GenerationService
	orders      *OrderService
	log         *zap.Logger
}

func NewChatService(messenger chat.Messenger, quota *QuotaGate, admission *Admission,
	generations *GenerationService, orders *OrderService, log *zap.Logger) *ChatService {
	return &ChatService{
		messenger:   messenger,
		quota:       quota,
		admission:   admission,
		generations: generations,
		orders:      orders,
		log:         log.Named("ChatService"),
	}
}

// parseCommand 拆出命令与参数，去掉群聊中的 @botname 后缀
func parseCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ = strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

// HandleUpdate 处理一条入站事件，错误只记日志，不向渠道返回
func (s *ChatService) HandleUpdate(ctx context.Context, u chat.Update) {
	if u.IsCallback() {
		s.handleCallback(ctx, u)
		return
	}

	cmd, args := parseCommand(u.Text)
	switch cmd {
	case "":
		// 非命令消息不回复
	case "/start":
		s.reply(ctx, u.ChatID, s.startText(), true)
	case "/help":
		s.reply(ctx, u.ChatID, helpText, true)
	case "/balance":
		s.balance(ctx, u)
	case "/examples":
		s.reply(ctx, u.ChatID, examplesText, true)
	case "/terms":
		s.reply(ctx, u.ChatID, termsText, true)
	case "/generate":
		s.generate(ctx, u, args)
	case "/buy":
		s.buyMenu(ctx, u)
	default:
		s.reply(ctx, u.ChatID, unknownText, false)
	}
}

func (s *ChatService) startText() string {
	quota := "**Testing mode: Unlimited generations!**\n\n"
	if s.quota.Enabled() {
		quota = fmt.Sprintf("You get **%d free generations** per day.\nAfter that, you'll need credits.\n\n", s.quota.allowance)
	}
	return "🎨 Welcome to the AI Image Generator Bot!\n\n" + quota +
		"Commands:\n" +
		"• /generate <prompt> - Create an image\n" +
		"• /balance - Check your credits\n" +
		"• /buy - Buy credits\n" +
		"• /examples - See prompt examples\n" +
		"• /help - Show all commands"
}

func (s *ChatService) balance(ctx context.Context, u chat.Update) {
	b, err := s.quota.Balance(ctx, u.UserID)
	if err != nil {
		s.log.Error("查询余额失败", zap.Int64("user_id", u.UserID), zap.Error(err))
		s.reply(ctx, u.ChatID, "❌ Could not load your balance. Please try again later.", false)
		return
	}

	var text string
	if b.QuotaEnabled {
		text = fmt.Sprintf("💳 **Your Balance:**\n\nFree generations today: %d/%d\nCredits: %d\n",
			b.FreeRemaining, b.DailyAllowance, b.Credits)
	} else {
		text = fmt.Sprintf("💳 **Testing Mode Active:**\n\nUnlimited generations available!\nCredits: %d\nTotal generated: %d",
			b.Credits, b.TotalGenerated)
	}
	s.reply(ctx, u.ChatID, text, true)
}

func (s *ChatService) generate(ctx context.Context, u chat.Update, prompt string) {
	if prompt == "" {
		s.reply(ctx, u.ChatID, usageText, false)
		return
	}
	fields := []zap.Field{zap.Int64("user_id", u.UserID)}

	if err := s.admission.TryAdmit(u.UserID); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.reply(ctx, u.ChatID, "⏳ You already have a generation in progress. Please wait for it to complete.", false)
		default:
			s.reply(ctx, u.ChatID, fmt.Sprintf("⏳ Server is busy (%d/%d active). Please try again in a moment.",
				s.admission.Active(), s.admission.Max()), false)
		}
		return
	}
	started := false
	defer func() {
		if !started {
			s.admission.Release(u.UserID)
		}
	}()

	res, gen, err := s.quota.ConsumeForGeneration(ctx, u.UserID, prompt)
	if err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			s.reply(ctx, u.ChatID, fmt.Sprintf("❌ **No generations available**\n\n"+
				"You've used your %d free generations today.\n"+
				"Please buy credits to continue.\n\n"+
				"Use /buy to purchase credits.", s.quota.allowance), true)
			return
		}
		s.log.Error("扣减额度失败", append(fields, zap.Error(err))...)
		s.reply(ctx, u.ChatID, "❌ Something went wrong. Please try again later.", false)
		return
	}

	s.reply(ctx, u.ChatID, fmt.Sprintf("✅ Generation queued!\n\n%s\n\nYour image will be ready in ~30-60 seconds...", quotaStatus(res)), false)
	s.log.Info("生成已入队", append(fields, zap.Int64("generation_id", gen.ID), zap.String("source", res.Source))...)

	started = true
	s.generations.Start(u.ChatID, gen)
}

func quotaStatus(res *ledger.QuotaResult) string {
	switch res.Source {
	case ledger.SourceFree:
		return fmt.Sprintf("Using free generation (%d left today)", res.FreeRemaining)
	case ledger.SourceCredit:
		return fmt.Sprintf("Using 1 credit (%d remaining)", res.Credits)
	default:
		return "Testing mode - unlimited generations"
	}
}

func (s *ChatService) buyMenu(ctx context.Context, u chat.Update) {
	packages := s.orders.Packages()
	if len(packages) == 0 {
		s.reply(ctx, u.ChatID, "💳 Credit purchases are not available right now.", false)
		return
	}

	rows := make([][]chat.Button, 0, len(packages))
	for _, p := range packages {
		rows = append(rows, []chat.Button{{
			Text: fmt.Sprintf("%d credits - $%.2f", p.Credits, p.PriceUSD),
			Data: buyCallbackPrefix + p.ID,
		}})
	}
	s.send(ctx, chat.Message{ChatID: u.ChatID, Text: "💳 Choose a credit package:", Buttons: rows})
}

func (s *ChatService) handleCallback(ctx context.Context, u chat.Update) {
	packageID, ok := strings.CutPrefix(u.CallbackData, buyCallbackPrefix)
	if !ok {
		s.answer(ctx, u.CallbackID, "")
		return
	}
	s.answer(ctx, u.CallbackID, "Creating invoice...")

	trans, err := s.orders.CreatePurchase(ctx, u.UserID, packageID)
	if err != nil {
		s.log.Error("创建购买订单失败", zap.Int64("user_id", u.UserID), zap.String("package", packageID), zap.Error(err))
		text := "❌ Could not create an invoice. Please try again later."
		if errors.Is(err, ErrUnknownPackage) {
			text = "❌ That package is no longer available. Use /buy to see current packages."
		}
		s.reply(ctx, u.ChatID, text, false)
		return
	}

	s.send(ctx, chat.Message{
		ChatID: u.ChatID,
		Text: fmt.Sprintf("🧾 Order %s\n%d credits for $%.2f\n\nCredits are added automatically once the payment is confirmed.",
			trans.OrderID, trans.Credits, trans.AmountUSD),
		Buttons: [][]chat.Button{{{Text: "💳 Pay now", URL: trans.InvoiceURL}}},
	})
}

func (s *ChatService) reply(ctx context.Context, chatID int64, text string, markdown bool) {
	s.send(ctx, chat.Message{ChatID: chatID, Text: text, Markdown: markdown})
}

func (s *ChatService) send(ctx context.Context, msg chat.Message) {
	if err := s.messenger.SendMessage(ctx, msg); err != nil {
		s.log.Warn("发送消息失败", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
}

func (s *ChatService) answer(ctx context.Context, callbackID, text string) {
	if err := s.messenger.AnswerCallback(ctx, callbackID, text); err != nil {
		s.log.Warn("应答按钮回调失败", zap.Error(err))
	}
}
