package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	KindChargeSuccess = "charge.success"
	KindChargeFailure = "charge.failure"
	// Some gateway versions spell the failure event differently.
	kindChargeFailed = "charge.failed"
)

// Payment purposes carried in event metadata.
const (
	PurposeContribution = "contribution"
	PurposeCampaignFee  = "campaign_fee"
)

// Event is a verified gateway notification. The set of implementations is
// closed: ChargeSuccess, ChargeFailure and UnknownEvent.
type Event interface {
	Kind() string
	sealed()
}

type Metadata struct {
	Purpose    string `json:"purpose"`
	CampaignID string `json:"campaign_id"`
}

type ChargeSuccess struct {
	Reference  string
	Amount     decimal.Decimal
	Currency   string
	PayerEmail string
	Metadata   Metadata
}

type ChargeFailure struct {
	Reference string
	Reason    string
	Metadata  Metadata
}

// UnknownEvent is any event kind the bridge does not act on.
type UnknownEvent struct {
	Name string
}

func (ChargeSuccess) Kind() string  { return KindChargeSuccess }
func (ChargeFailure) Kind() string  { return KindChargeFailure }
func (e UnknownEvent) Kind() string { return e.Name }

func (ChargeSuccess) sealed() {}
func (ChargeFailure) sealed() {}
func (UnknownEvent) sealed()  {}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		GatewayResponse string `json:"gateway_response"`
		Customer        struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// DecodeEvent maps a webhook body onto an Event. Amounts arrive in minor
// units and are converted to major units.
func DecodeEvent(body []byte) (Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("decode webhook: missing event kind")
	}

	var meta Metadata
	// Metadata may be absent, an object, or an empty string.
	if len(p.Data.Metadata) > 0 && p.Data.Metadata[0] == '{' {
		if err := json.Unmarshal(p.Data.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode webhook metadata: %w", err)
		}
	}
	if meta.Purpose == "" {
		meta.Purpose = PurposeContribution
	}

	switch p.Event {
	case KindChargeSuccess:
		if p.Data.Reference == "" {
			return nil, fmt.Errorf("decode webhook: %s without reference", p.Event)
		}
		return ChargeSuccess{
			Reference:  p.Data.Reference,
			Amount:     FromMinorUnits(p.Data.Amount),
			Currency:   p.Data.Currency,
			PayerEmail: p.Data.Customer.Email,
			Metadata:   meta,
		}, nil
	case KindChargeFailure, kindChargeFailed:
		if p.Data.Reference == "" {
			return nil, fmt.Errorf("decode webhook: %s without reference", p.Event)
		}
		return ChargeFailure{
			Reference: p.Data.Reference,
			Reason:    p.Data.GatewayResponse,
			Metadata:  meta,
		}, nil
	default:
		return UnknownEvent{Name: p.Event}, nil
	}
}

// FromMinorUnits converts kobo/cents into a two-decimal amount.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// ToMinorUnits is the inverse of FromMinorUnits, truncating sub-minor digits.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}
