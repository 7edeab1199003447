package notification

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken    string
	ChatID      string // numeric chat id or @channel
	Enabled     bool
	APIEndpoint string // defaults to tgbotapi.APIEndpoint
}

// TelegramNotifier sends notifications via a Telegram bot
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	channel string
	enabled bool
}

// NewTelegramNotifier creates a Telegram notifier. The bot token is checked
// against the API when enabled; a disabled config returns an inert notifier.
func NewTelegramNotifier(config TelegramConfig) (*TelegramNotifier, error) {
	t := &TelegramNotifier{}
	if !config.Enabled || config.BotToken == "" || config.ChatID == "" {
		return t, nil
	}

	if strings.HasPrefix(config.ChatID, "@") {
		t.channel = config.ChatID
	} else {
		id, err := strconv.ParseInt(config.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", config.ChatID, err)
		}
		t.chatID = id
	}

	endpoint := config.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(config.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	t.bot = bot
	t.enabled = true
	return t, nil
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", html.EscapeString(notification.Title), html.EscapeString(notification.Message))

	var msg tgbotapi.MessageConfig
	if t.channel != "" {
		msg = tgbotapi.NewMessageToChannel(t.channel, text)
	} else {
		msg = tgbotapi.NewMessage(t.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
