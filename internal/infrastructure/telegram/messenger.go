package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"genrelay/internal/chat"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AllowedUpdates 机器人订阅的更新类型
var AllowedUpdates = []string{"message", "callback_query"}

// Messenger 基于 Bot API 的 chat.Messenger 实现
type Messenger struct {
	bot *tgbotapi.BotAPI
}

// New 连接 Bot API，apiBase 默认为 https://api.telegram.org
func New(token, apiBase string) (*Messenger, error) {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	endpoint := strings.TrimRight(apiBase, "/") + "/bot%s/%s"
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("连接 Telegram 失败: %w", err)
	}
	return &Messenger{bot: bot}, nil
}

func (m *Messenger) Username() string {
	return m.bot.Self.UserName
}

func (m *Messenger) SendMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	if msg.Markdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	if len(msg.Buttons) > 0 {
		out.ReplyMarkup = keyboard(msg.Buttons)
	}
	if _, err := m.bot.Send(out); err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	return nil
}

func keyboard(rows [][]chat.Button) tgbotapi.InlineKeyboardMarkup {
	markup := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		markup = append(markup, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(markup...)
}

func (m *Messenger) SendPhoto(ctx context.Context, chatID int64, image []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.png", Bytes: image})
	photo.Caption = caption
	if _, err := m.bot.Send(photo); err != nil {
		return fmt.Errorf("发送图片失败: %w", err)
	}
	return nil
}

func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("应答回调失败: %w", err)
	}
	return nil
}

// SetWebhook 注册 webhook 并丢弃积压的更新
func (m *Messenger) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return err
	}
	wh.AllowedUpdates = AllowedUpdates
	wh.DropPendingUpdates = true
	_, err = m.bot.Request(wh)
	return err
}

func (m *Messenger) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	return m.bot.GetWebhookInfo()
}

func (m *Messenger) DeleteWebhook() error {
	_, err := m.bot.Request(tgbotapi.DeleteWebhookConfig{})
	return err
}

// ParseUpdate 把 webhook 报文转换为 chat.Update，不关心的更新类型返回 false
func ParseUpdate(body []byte) (chat.Update, bool, error) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return chat.Update{}, false, err
	}

	switch {
	case upd.Message != nil && upd.Message.Chat != nil:
		out := chat.Update{
			ChatID: upd.Message.Chat.ID,
			UserID: upd.Message.Chat.ID,
			Text:   strings.TrimSpace(upd.Message.Text),
		}
		if upd.Message.From != nil {
			out.UserID = upd.Message.From.ID
			out.Username = upd.Message.From.UserName
		}
		return out, true, nil
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		cq := upd.CallbackQuery
		out := chat.Update{
			ChatID:       cq.From.ID,
			UserID:       cq.From.ID,
			Username:     cq.From.UserName,
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			out.ChatID = cq.Message.Chat.ID
		}
		return out, true, nil
	}
	return chat.Update{}, false, nil
}
