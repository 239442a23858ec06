package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liquidity-oracle/internal/automation"
)

// Notification 封装一次自动化事件的通知上下文。
type Notification struct {
	Kind          string    `json:"kind"`
	At            time.Time `json:"at"`
	Risk          float64   `json:"risk"`
	Threshold     float64   `json:"threshold"`
	Location      string    `json:"location,omitempty"`
	Contacts      []string  `json:"contacts,omitempty"`
	SwitchID      string    `json:"switch_id,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	ChannelName   string    `json:"channel_name,omitempty"`
	MatchScore    float64   `json:"match_score,omitempty"`
	Critical      string    `json:"critical,omitempty"`
	AdditionalMsg string    `json:"message,omitempty"`
}

// FromEvent converts an automation event into a notification.
func FromEvent(ev automation.Event, location string) Notification {
	note := Notification{
		Kind:          string(ev.Kind),
		At:            ev.At,
		Risk:          ev.Risk,
		Threshold:     ev.Threshold,
		Location:      location,
		Contacts:      ev.Contacts,
		SwitchID:      ev.SwitchID,
		AdditionalMsg: ev.Message,
	}
	if ev.Channel != nil {
		note.ChannelID = ev.Channel.ChannelID
		note.ChannelName = ev.Channel.Name
		note.MatchScore = ev.Channel.MatchScore
	}
	if ev.NoViableChannel || ev.Kind == automation.EventNoViableChannel {
		note.Critical = "no_viable_channel"
	}
	return note
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Fanout delivers to every notifier and joins the failures.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("at", note.At).
		Str("kind", note.Kind).
		Str("contacts", strings.Join(note.Contacts, ",")).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case string(automation.EventTriggered):
		builder.WriteString("[SafePassage] Dead man's switch triggered\n")
	case string(automation.EventGuardianNotified):
		builder.WriteString("[SafePassage] Guardian alert\n")
	default:
		builder.WriteString("[SafePassage] Critical condition\n")
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Location != "" {
		builder.WriteString(fmt.Sprintf("Location: %s\n", note.Location))
	}
	builder.WriteString(fmt.Sprintf("Risk: %.2f (threshold %.1f)\n", note.Risk, note.Threshold))
	if note.ChannelID != "" {
		builder.WriteString(fmt.Sprintf("Payout channel: %s (match %.2f)\n", note.ChannelName, note.MatchScore))
	}
	if note.Critical != "" {
		builder.WriteString("No viable payout channel: every channel is offline\n")
	}
	if len(note.Contacts) > 0 {
		builder.WriteString(fmt.Sprintf("Guardians: %s\n", strings.Join(note.Contacts, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
