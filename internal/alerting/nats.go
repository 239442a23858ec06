package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// DialNATS connects with reconnects enabled.
func DialNATS(url, name string, timeout time.Duration) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSNotifier publishes notifications as JSON on <prefix>.<kind>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

// NewNATSNotifier wraps a publisher.
func NewNATSNotifier(pub Publisher, subjectPrefix string, logger zerolog.Logger) *NATSNotifier {
	prefix := strings.TrimRight(subjectPrefix, ".")
	if prefix == "" {
		prefix = "safepassage.automation"
	}
	return &NATSNotifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Subject returns the subject a notification is published on.
func (n *NATSNotifier) Subject(note Notification) string {
	return n.prefix + "." + note.Kind
}

// Notify publishes the notification. The message id lets JetStream consumers
// drop duplicates on redelivery.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	msg := nats.NewMsg(n.Subject(note))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s-%s-%d", note.Kind, note.SwitchID, note.At.UnixNano()))
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	n.logger.Info().Str("subject", msg.Subject).Msg("通知已发布 (NATS)")
	return nil
}

var _ Notifier = (*NATSNotifier)(nil)
