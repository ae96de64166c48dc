// Package chat 定义与聊天渠道交互所需的最小接口，具体渠道由 infrastructure/telegram 实现。
package chat

import "context"

// Update 一条入站的聊天事件：文本消息或按钮回调
type Update struct {
	ChatID       int64
	UserID       int64
	Username     string
	Text         string
	CallbackID   string
	CallbackData string
}

func (u Update) IsCallback() bool {
	return u.CallbackID != ""
}

// Button 内联按钮，Data 与 URL 二选一
type Button struct {
	Text string
	Data string
	URL  string
}

// Message 出站文本消息，Buttons 每个元素为一行
type Message struct {
	ChatID   int64
	Text     string
	Markdown bool
	Buttons  [][]Button
}

// Messenger 聊天渠道的发送端
type Messenger interface {
	SendMessage(ctx context.Context, msg Message) error
	SendPhoto(ctx context.Context, chatID int64, image []byte, caption string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
