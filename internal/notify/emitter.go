package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fundledger/internal/domain"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fund_notifications_total",
	Help: "Notifications handed to the delivery channel, by kind and result",
}, []string{"kind", "result"})

// ReceiptSource loads the receipt projection of a completed contribution.
type ReceiptSource interface {
	GetReceipt(ctx context.Context, reference string) (*domain.Receipt, error)
}

// Emitter renders receipts and invitation notices and hands them to a
// Channel. It never returns delivery errors: they are logged and counted.
type Emitter struct {
	source  ReceiptSource
	channel Channel
	baseURL string
	logger  *slog.Logger
}

func NewEmitter(source ReceiptSource, channel Channel, baseURL string, logger *slog.Logger) *Emitter {
	return &Emitter{
		source:  source,
		channel: channel,
		baseURL: baseURL,
		logger:  logger.With("component", "emitter"),
	}
}

// EmitReceipt sends the receipt for the completed contribution identified by
// its payment reference.
func (e *Emitter) EmitReceipt(ctx context.Context, reference string) {
	receipt, err := e.source.GetReceipt(ctx, reference)
	if err != nil {
		notificationsTotal.WithLabelValues("receipt", "load_error").Inc()
		e.logger.WarnContext(ctx, "receipt not emitted: load failed", "reference", reference, "error", err)
		return
	}
	if receipt.Destination == "" {
		notificationsTotal.WithLabelValues("receipt", "no_destination").Inc()
		e.logger.InfoContext(ctx, "receipt not emitted: no destination", "reference", reference)
		return
	}

	if err := e.channel.Send(ctx, RenderReceipt(receipt, e.baseURL)); err != nil {
		notificationsTotal.WithLabelValues("receipt", "failed").Inc()
		e.logger.WarnContext(ctx, "receipt delivery failed", "reference", reference, "error", err)
		return
	}
	notificationsTotal.WithLabelValues("receipt", "sent").Inc()
}

// EmitInvitation notifies an invitee that they may contribute.
func (e *Emitter) EmitInvitation(ctx context.Context, inv *domain.Invitation, campaign *domain.Campaign) {
	if inv.InviteeEmail == "" {
		return
	}
	if err := e.channel.Send(ctx, RenderInvitation(inv, campaign, e.baseURL)); err != nil {
		notificationsTotal.WithLabelValues("invitation", "failed").Inc()
		e.logger.WarnContext(ctx, "invitation delivery failed", "invitation_id", inv.ID, "error", err)
		return
	}
	notificationsTotal.WithLabelValues("invitation", "sent").Inc()
}

func RenderReceipt(r *domain.Receipt, baseURL string) Message {
	amount := r.Currency + " " + r.Amount.StringFixed(2)
	progress := fmt.Sprintf("%s of %s raised", r.CampaignAccrued.StringFixed(2), r.CampaignTarget.StringFixed(2))
	link := fmt.Sprintf("%s/receipts/%s", baseURL, r.PaymentReference)

	text := fmt.Sprintf(`Thank you for your contribution to %s.

Amount: %s
Reference: %s
Date: %s
Campaign progress: %s

View your receipt: %s
`, r.CampaignTitle, amount, r.PaymentReference, r.ConfirmedAt.UTC().Format("02 Jan 2006 15:04 MST"), progress, link)

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
	<h2>Contribution received</h2>
	<p>Thank you for your contribution to <strong>%s</strong>.</p>
	<table>
		<tr><td>Amount</td><td>%s</td></tr>
		<tr><td>Reference</td><td>%s</td></tr>
		<tr><td>Date</td><td>%s</td></tr>
		<tr><td>Campaign progress</td><td>%s</td></tr>
	</table>
	<p><a href="%s">View your receipt</a></p>
</body>
</html>
`, html.EscapeString(r.CampaignTitle), html.EscapeString(amount), html.EscapeString(r.PaymentReference),
		r.ConfirmedAt.UTC().Format("02 Jan 2006 15:04 MST"), html.EscapeString(progress), html.EscapeString(link))

	return Message{
		To:      r.Destination,
		Subject: "Your contribution receipt: " + r.CampaignTitle,
		Text:    text,
		HTML:    htmlBody,
	}
}

func RenderInvitation(inv *domain.Invitation, c *domain.Campaign, baseURL string) Message {
	link := fmt.Sprintf("%s/invitations/%s", baseURL, inv.ID)
	text := fmt.Sprintf(`You have been invited to contribute to %s.

Target: %s %s
Minimum contribution: %s %s
Closes: %s

Respond to the invitation: %s
`, c.Title, c.Currency, c.TargetAmount.StringFixed(2), c.Currency, c.MinContribution.StringFixed(2),
		c.Deadline.UTC().Format("02 Jan 2006"), link)

	return Message{
		To:      inv.InviteeEmail,
		Subject: "Invitation to contribute: " + c.Title,
		Text:    text,
	}
}
