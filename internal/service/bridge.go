package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
)

// ReceiptEmitter sends the receipt of a freshly completed contribution.
type ReceiptEmitter interface {
	EmitReceipt(ctx context.Context, reference string)
}

// Bridge applies verified gateway events to the ledger and to campaign
// activation. Domain rejections and duplicate deliveries are absorbed so the
// gateway stops retrying; only infrastructure failures are returned.
type Bridge struct {
	ledger    *Ledger
	campaigns *CampaignService
	receipts  ReceiptEmitter
	logger    *slog.Logger
}

func NewBridge(ledger *Ledger, campaigns *CampaignService, receipts ReceiptEmitter, logger *slog.Logger) *Bridge {
	return &Bridge{
		ledger:    ledger,
		campaigns: campaigns,
		receipts:  receipts,
		logger:    logger.With("component", "bridge"),
	}
}

func (b *Bridge) HandleEvent(ctx context.Context, ev gateway.Event) error {
	switch e := ev.(type) {
	case gateway.ChargeSuccess:
		if e.Metadata.Purpose == gateway.PurposeCampaignFee {
			return b.feePaid(ctx, e)
		}
		return b.chargeSucceeded(ctx, e)
	case gateway.ChargeFailure:
		return b.chargeFailed(ctx, e)
	case gateway.UnknownEvent:
		gatewayEvents.WithLabelValues("unknown", "ignored").Inc()
		b.logger.WarnContext(ctx, "ignoring unhandled gateway event", "kind", e.Name)
		return nil
	default:
		gatewayEvents.WithLabelValues("unknown", "ignored").Inc()
		b.logger.WarnContext(ctx, "ignoring unhandled gateway event", "kind", ev.Kind())
		return nil
	}
}

func (b *Bridge) chargeSucceeded(ctx context.Context, e gateway.ChargeSuccess) error {
	log := b.logger.With("kind", e.Kind(), "reference", e.Reference)

	_, duplicate, err := b.ledger.Confirm(ctx, e.Reference, e.Amount, e.Currency, e.PayerEmail)
	var refund *domain.RefundRequiredError
	switch {
	case errors.As(err, &refund):
		// Already logged and counted by the ledger.
		b.count(e, "refund_required")
		return nil
	case err != nil:
		return b.absorb(ctx, log, e, err)
	case duplicate:
		b.count(e, "duplicate")
		log.InfoContext(ctx, "duplicate delivery ignored")
		return nil
	}

	b.count(e, "applied")
	if b.receipts != nil {
		b.receipts.EmitReceipt(ctx, e.Reference)
	}
	return nil
}

func (b *Bridge) feePaid(ctx context.Context, e gateway.ChargeSuccess) error {
	log := b.logger.With("kind", e.Kind(), "reference", e.Reference, "campaign_id", e.Metadata.CampaignID)

	if e.Metadata.CampaignID == "" {
		b.count(e, "refund_required")
		refundSignals.WithLabelValues(domain.ReasonFeeNotApplied).Inc()
		log.WarnContext(ctx, "fee payment without campaign id, refund required", "amount", money(e.Amount))
		return nil
	}
	_, duplicate, err := b.campaigns.ActivateFromPayment(ctx, e.Metadata.CampaignID, e.Reference, e.Amount, e.Currency)
	var refund *domain.RefundRequiredError
	switch {
	case errors.As(err, &refund):
		// Already logged and counted by the campaign service.
		b.count(e, "refund_required")
		return nil
	case err != nil:
		return b.absorb(ctx, log, e, err)
	}
	if duplicate {
		b.count(e, "duplicate")
		log.InfoContext(ctx, "duplicate delivery ignored")
		return nil
	}
	b.count(e, "applied")
	return nil
}

func (b *Bridge) chargeFailed(ctx context.Context, e gateway.ChargeFailure) error {
	log := b.logger.With("kind", e.Kind(), "reference", e.Reference)

	if e.Metadata.Purpose == gateway.PurposeCampaignFee {
		b.count(e, "ignored")
		log.InfoContext(ctx, "fee payment failed", "reason", e.Reason)
		return nil
	}
	_, duplicate, err := b.ledger.Fail(ctx, e.Reference, domain.ReasonGatewayFailure)
	if err != nil {
		return b.absorb(ctx, log, e, err)
	}
	if duplicate {
		b.count(e, "duplicate")
		log.InfoContext(ctx, "duplicate delivery ignored")
		return nil
	}
	b.count(e, "applied")
	return nil
}

// absorb acknowledges domain rejections and passes infrastructure errors up.
func (b *Bridge) absorb(ctx context.Context, log *slog.Logger, e gateway.Event, err error) error {
	if isDomainError(err) {
		b.count(e, "rejected")
		log.WarnContext(ctx, "gateway event rejected", "error", err)
		return nil
	}
	b.count(e, "error")
	log.ErrorContext(ctx, "gateway event failed", "error", err)
	return err
}

func (b *Bridge) count(e gateway.Event, outcome string) {
	gatewayEvents.WithLabelValues(e.Kind(), outcome).Inc()
}

func isDomainError(err error) bool {
	for _, kind := range []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrForbidden,
		domain.ErrInvalidState,
		domain.ErrCapacityExceeded,
		domain.ErrConflict,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
