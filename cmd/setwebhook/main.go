// setwebhook 管理 Telegram webhook：set / info / delete
package main

import (
	"flag"
	"fmt"
	"os"

	"genrelay/internal/config"
	"genrelay/internal/infrastructure/telegram"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: setwebhook [-config path] set|info|delete\n")
	}
	flag.Parse()

	action := flag.Arg(0)
	if action == "" {
		action = "set"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	bot, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.APIBase)
	if err != nil {
		fatal(err)
	}

	switch action {
	case "set":
		if cfg.Telegram.WebhookURL == "" {
			fatal(fmt.Errorf("telegram.webhook_url 未配置"))
		}
		if err := bot.SetWebhook(cfg.Telegram.WebhookURL); err != nil {
			fatal(err)
		}
		fmt.Printf("✅ Webhook set: %s\n", cfg.Telegram.WebhookURL)
	case "info":
		info, err := bot.WebhookInfo()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("URL: %s\nPending updates: %d\n", info.URL, info.PendingUpdateCount)
		if info.LastErrorMessage != "" {
			fmt.Printf("Last error: %s\n", info.LastErrorMessage)
		}
	case "delete":
		if err := bot.DeleteWebhook(); err != nil {
			fatal(err)
		}
		fmt.Println("✅ Webhook deleted")
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	os.Exit(1)
}
