package email

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"go.uber.org/zap"
)

// DefaultNotifyTypes are the event types that reach operators by email.
var DefaultNotifyTypes = []string{
	events.TypeCertificateFailed,
	events.TypeCertificateExpiring,
	events.TypeCertificateExpired,
	events.TypeBindingFailed,
}

// Notifier is an events.Publisher that emails selected events to a fixed list
// of operator addresses.
type Notifier struct {
	sender Sender
	to     []string
	types  map[string]bool
	logger *zap.Logger
}

// NewNotifier creates a Notifier. An empty types list means DefaultNotifyTypes.
func NewNotifier(sender Sender, to []string, types []string, logger *zap.Logger) *Notifier {
	if len(types) == 0 {
		types = DefaultNotifyTypes
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &Notifier{sender: sender, to: to, types: set, logger: logger}
}

// Publish implements events.Publisher. Events of other types are ignored.
func (n *Notifier) Publish(ctx context.Context, e events.Event) error {
	if !n.types[e.Type] || len(n.to) == 0 {
		return nil
	}
	subject, body := render(e)
	err := n.sender.Send(ctx, n.to, subject, body)
	metrics.RecordNotification(err == nil)
	if err != nil {
		n.logger.Warn("email: notification failed",
			zap.String("type", e.Type),
			zap.String("domain", e.FQDN),
			zap.Error(err),
		)
		return fmt.Errorf("email %s: %w", e.Type, err)
	}
	return nil
}

var subjects = map[string]string{
	events.TypeCertificateFailed:   "Certificate issuance failed for %s",
	events.TypeCertificateExpiring: "Certificate for %s expires soon",
	events.TypeCertificateExpired:  "Certificate for %s has expired",
	events.TypeBindingFailed:       "Domain %s failed to go live",
}

func render(e events.Event) (string, string) {
	format, ok := subjects[e.Type]
	if !ok {
		format = e.Type + ": %s"
	}
	subject := "[hostdomains] " + fmt.Sprintf(format, e.FQDN)

	var b strings.Builder
	fmt.Fprintf(&b, "Domain:   %s\n", e.FQDN)
	fmt.Fprintf(&b, "ID:       %s\n", e.DomainID)
	fmt.Fprintf(&b, "Owner:    %s\n", e.OwnerID)
	fmt.Fprintf(&b, "Event:    %s\n", e.Type)
	fmt.Fprintf(&b, "Time:     %s\n", e.Timestamp.Format(time.RFC3339))
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, e.Data[k])
		}
	}
	return subject, b.String()
}
