package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	http     *resty.Client
}

// NewTelegramNotifier creates a notifier for the bot and target chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		http:     resty.New().SetTimeout(10 * time.Second),
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// botReply is the Bot API response envelope.
type botReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	var reply botReply
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(sendMessage{ChatID: t.chatID, Text: formatTelegram(alert), ParseMode: "MarkdownV2"}).
		SetResult(&reply).
		SetError(&reply).
		Post(t.apiBase + "/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), reply.Description)
	}
	if len(resp.Body()) > 0 && !reply.OK {
		return fmt.Errorf("telegram: rejected: %s", reply.Description)
	}
	return nil
}

// formatTelegram renders the alert as MarkdownV2. Risk alerts carry the
// numbers the operator needs to judge the account.
func formatTelegram(alert Alert) string {
	var b strings.Builder
	b.WriteString(levelBadge(alert.Level))
	b.WriteString(" *")
	b.WriteString(escapeMarkdown(alert.Title))
	b.WriteString("*\n\n")
	b.WriteString(escapeMarkdown(alert.Message))

	if alert.UserID != "" {
		b.WriteString("\n\nuser: `" + escapeMarkdown(alert.UserID) + "`")
	}
	if m := alert.Metrics; m != nil {
		fmt.Fprintf(&b, "\nutilization: %s%%", escapeMarkdown(m.RiskUtilization.StringFixed(2)))
		fmt.Fprintf(&b, "\ndrawdown: %s / %s", escapeMarkdown(m.DailyDrawdown.StringFixed(2)),
			escapeMarkdown(m.DrawdownLimit.StringFixed(2)))
		fmt.Fprintf(&b, "\nmargin: %s", escapeMarkdown(m.AvailableMargin.StringFixed(2)))
		fmt.Fprintf(&b, "\npositions: %d", m.PositionsCount)
	}
	return b.String()
}

func levelBadge(l AlertLevel) string {
	switch l {
	case AlertCritical:
		return "🚨"
	case AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

var markdownReplacer = strings.NewReplacer(
	`_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`,
	`=`, `\=`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string { return markdownReplacer.Replace(s) }
