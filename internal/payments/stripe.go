package payments

import (
	"context"
	"fmt"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-grouping/internal/events"
)

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// DepositHolder places a manual-capture hold for every member of a confirmed
// group. Captures and refunds happen in the trip service once the ride runs.
type DepositHolder struct {
	intents  intentAPI
	amount   int64
	currency string

	mu    sync.Mutex
	holds map[string][]string // group id -> payment intent ids
}

func NewDepositHolder(apiKey string, amount int64, currency string) *DepositHolder {
	c := paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return newDepositHolder(c, amount, currency)
}

func newDepositHolder(api intentAPI, amount int64, currency string) *DepositHolder {
	return &DepositHolder{intents: api, amount: amount, currency: currency, holds: make(map[string][]string)}
}

func (d *DepositHolder) Name() string { return "stripe" }

// Deliver ignores everything except group.confirmed. The idempotency key is
// derived from group and member, so a redelivered event does not double-hold.
func (d *DepositHolder) Deliver(_ context.Context, e events.Event) error {
	if e.Type != events.GroupConfirmed {
		return nil
	}
	var ids []string
	for _, member := range e.Members {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(d.amount),
			Currency:      stripe.String(d.currency),
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		}
		params.SetIdempotencyKey(fmt.Sprintf("deposit-%s-%s", e.GroupID, member))
		params.AddMetadata("group_id", e.GroupID)
		params.AddMetadata("request_id", member)
		pi, err := d.intents.New(params)
		if err != nil {
			return fmt.Errorf("hold deposit for %s: %w", member, err)
		}
		ids = append(ids, pi.ID)
	}
	d.mu.Lock()
	d.holds[e.GroupID] = ids
	d.mu.Unlock()
	return nil
}

// Holds returns the payment intents created for a group.
func (d *DepositHolder) Holds(groupID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.holds[groupID]...)
}
