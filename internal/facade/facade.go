// Package facade is the single entry point for the order/payment
// lifecycle. It wires the order state machine, payment watcher, escrow,
// disputes, address allocation, and affiliate commissions together, and
// implements the listener interfaces through which payment and escrow
// events advance the order.
package facade

import (
	"context"
	"errors"
	"fmt"

	"github.com/hvx-labs/escrowd/internal/address"
	"github.com/hvx-labs/escrowd/internal/affiliate"
	"github.com/hvx-labs/escrowd/internal/dispute"
	"github.com/hvx-labs/escrowd/internal/escrow"
	"github.com/hvx-labs/escrowd/internal/logging"
	"github.com/hvx-labs/escrowd/internal/notify"
	"github.com/hvx-labs/escrowd/internal/order"
	"github.com/hvx-labs/escrowd/internal/payment"
)

// ErrForbidden is returned when the acting user does not own the order
// side required for the operation.
var ErrForbidden = errors.New("actor does not own this side of the order")

// Facade coordinates the order lifecycle across subsystems.
type Facade struct {
	orders     *order.Service
	payments   *payment.Service
	escrows    *escrow.Service
	disputes   *dispute.Service
	addresses  *address.Allocator
	affiliates *affiliate.Service
	events     *notify.Hub
}

// New creates the facade. events may be nil in tests.
func New(
	orders *order.Service,
	payments *payment.Service,
	escrows *escrow.Service,
	disputes *dispute.Service,
	addresses *address.Allocator,
	affiliates *affiliate.Service,
	events *notify.Hub,
) *Facade {
	return &Facade{
		orders:     orders,
		payments:   payments,
		escrows:    escrows,
		disputes:   disputes,
		addresses:  addresses,
		affiliates: affiliates,
		events:     events,
	}
}

// CreateOrderParams are the inputs for placing an order.
type CreateOrderParams struct {
	BuyerID        string
	VendorID       string
	ListingID      string
	AmountSats     int64
	AffiliateID    string
	IdempotencyKey string
}

// CreateOrder places an order: persists it, binds a fresh deposit
// address, opens the escrow record, and registers the payment watch.
//
// When an idempotency key is supplied, a replayed request returns the
// original order unchanged; no second order or address is created.
func (f *Facade) CreateOrder(ctx context.Context, p CreateOrderParams) (*order.Order, error) {
	if p.IdempotencyKey != "" {
		existing, err := f.orders.GetByIdempotencyKey(ctx, p.BuyerID, p.IdempotencyKey)
		if err == nil {
			if err := f.completeSetup(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !errors.Is(err, order.ErrOrderNotFound) {
			return nil, err
		}
	}

	o, err := f.orders.Create(ctx, order.CreateParams{
		BuyerID:        p.BuyerID,
		VendorID:       p.VendorID,
		ListingID:      p.ListingID,
		AmountSats:     p.AmountSats,
		AffiliateID:    p.AffiliateID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if errors.Is(err, order.ErrDuplicateIdemKey) {
		// Lost a create race on the same key; the winner's order is ours.
		existing, getErr := f.orders.GetByIdempotencyKey(ctx, p.BuyerID, p.IdempotencyKey)
		if getErr != nil {
			return nil, getErr
		}
		if err := f.completeSetup(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	if err := f.completeSetup(ctx, o); err != nil {
		return nil, err
	}

	f.events.Publish(notify.EventOrderCreated, o.ID, map[string]interface{}{
		"buyerId":    o.BuyerID,
		"vendorId":   o.VendorID,
		"amountSats": o.AmountSats,
		"address":    o.Address,
	})
	return o, nil
}

// completeSetup binds the deposit address, opens the escrow record, and
// registers the payment watch, skipping whatever already exists. A replay
// of a request that failed partway resumes here, so an idempotency-key
// retry always ends with a fundable order instead of a stranded one.
func (f *Facade) completeSetup(ctx context.Context, o *order.Order) error {
	if o.Address == "" {
		addr, err := f.addresses.Allocate(ctx, o.ID)
		if err != nil {
			return err
		}
		if err := f.orders.SetAddress(ctx, o.ID, addr); err != nil {
			return err
		}
		o.Address = addr
	}

	if _, err := f.escrows.Get(ctx, o.ID); errors.Is(err, escrow.ErrEscrowNotFound) {
		if _, err := f.escrows.Open(ctx, o.ID, o.AmountSats); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := f.payments.Get(ctx, o.ID); errors.Is(err, payment.ErrPaymentNotFound) {
		if _, err := f.payments.Register(ctx, o.ID, o.Address, o.AmountSats); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

// OrderView aggregates everything a client needs about one order.
type OrderView struct {
	Order   *order.Order     `json:"order"`
	Payment *payment.Payment `json:"payment,omitempty"`
	Escrow  *escrow.Escrow   `json:"escrow,omitempty"`
	Dispute *dispute.Dispute `json:"dispute,omitempty"`
}

// GetOrder returns the combined order, payment, escrow, and open-dispute
// view. Missing satellites are omitted rather than failing the view.
func (f *Facade) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &OrderView{Order: o}

	if p, err := f.payments.Get(ctx, orderID); err == nil {
		view.Payment = p
	}
	if e, err := f.escrows.Get(ctx, orderID); err == nil {
		view.Escrow = e
	}
	if d, err := f.disputes.GetOpenByOrder(ctx, orderID); err == nil {
		view.Dispute = d
	}
	return view, nil
}

// MarkShipped records that the vendor shipped the goods.
func (f *Facade) MarkShipped(ctx context.Context, orderID, vendorID string) (*order.Order, error) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.VendorID != vendorID {
		return nil, ErrForbidden
	}

	o, err = f.orders.Transition(ctx, orderID, order.StatusShipped)
	if err != nil {
		return nil, err
	}
	f.events.Publish(notify.EventOrderShipped, orderID, nil)
	return o, nil
}

// ConfirmDelivery is the buyer's early release: funds go to the vendor
// immediately instead of waiting out the holding window. The escrow
// listener completes the order.
func (f *Facade) ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*escrow.Escrow, error) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return f.escrows.Release(ctx, orderID, "buyer:"+buyerID)
}

// OpenDispute opens a dispute and freezes the order in disputed status.
// The order remembers its prior status so a split resolution can return
// it there.
func (f *Facade) OpenDispute(ctx context.Context, orderID, userID, reason string) (*dispute.Dispute, error) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != userID && o.VendorID != userID {
		return nil, ErrForbidden
	}
	// The disputed branch only exists off paid, in_escrow, and shipped.
	// Rejecting here keeps an unpaid or finished order from carrying an
	// open dispute it can never reflect.
	if !order.CanTransition(o.Status, order.StatusDisputed) {
		return nil, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, o.Status, order.StatusDisputed)
	}

	d, err := f.disputes.Open(ctx, orderID, userID, reason)
	if err != nil {
		return nil, err
	}
	if _, err := f.orders.Transition(ctx, orderID, order.StatusDisputed); err != nil {
		logging.L(ctx).Warn("dispute opened but order transition failed",
			"order_id", orderID, "error", err)
	}
	f.events.Publish(notify.EventDisputeOpened, orderID, map[string]interface{}{
		"disputeId": d.ID,
		"openedBy":  userID,
	})
	return d, nil
}

// ResolveDispute applies an admin's decision.
//
//	favor_buyer:  escrow refunded, order ends cancelled
//	favor_vendor: escrow released, order ends completed
//	split:        recorded only; order returns to its pre-dispute status
//	              and payout is handled manually off-platform
func (f *Facade) ResolveDispute(ctx context.Context, disputeID, adminID string, outcome dispute.Outcome, resolution string) (*dispute.Dispute, error) {
	d, err := f.disputes.Resolve(ctx, disputeID, adminID, outcome, resolution)
	if err != nil {
		return nil, err
	}

	actor := "admin:" + adminID
	switch outcome {
	case dispute.OutcomeFavorBuyer:
		if _, err := f.escrows.Refund(ctx, d.OrderID, actor); err != nil &&
			!errors.Is(err, escrow.ErrAlreadyFinalized) {
			logging.L(ctx).Error("dispute resolved but refund failed",
				"order_id", d.OrderID, "dispute_id", d.ID, "error", err)
		}
	case dispute.OutcomeFavorVendor:
		if _, err := f.escrows.Release(ctx, d.OrderID, actor); err != nil &&
			!errors.Is(err, escrow.ErrAlreadyFinalized) {
			logging.L(ctx).Error("dispute resolved but release failed",
				"order_id", d.OrderID, "dispute_id", d.ID, "error", err)
		}
	case dispute.OutcomeSplit:
		if _, err := f.orders.ReturnFromDispute(ctx, d.OrderID); err != nil {
			logging.L(ctx).Warn("split resolution could not restore order status",
				"order_id", d.OrderID, "error", err)
		}
	}

	f.events.Publish(notify.EventDisputeResolved, d.OrderID, map[string]interface{}{
		"disputeId": d.ID,
		"outcome":   string(outcome),
	})
	return d, nil
}

// AdminForceRelease pays out the escrow by admin decision. An open
// dispute still blocks it; the admin resolves the dispute instead.
func (f *Facade) AdminForceRelease(ctx context.Context, orderID, adminID string) (*escrow.Escrow, error) {
	return f.escrows.Release(ctx, orderID, "admin:"+adminID)
}

// AdminForceRefund returns the escrow to the buyer by admin decision.
func (f *Facade) AdminForceRefund(ctx context.Context, orderID, adminID string) (*escrow.Escrow, error) {
	return f.escrows.Refund(ctx, orderID, "admin:"+adminID)
}

// PaymentConfirmed implements payment.Listener. The confirmed payment
// moves the escrow to holding and the order into in_escrow.
func (f *Facade) PaymentConfirmed(ctx context.Context, orderID string) {
	if _, err := f.escrows.Hold(ctx, orderID); err != nil {
		logging.L(ctx).Error("payment confirmed but escrow hold failed",
			"order_id", orderID, "error", err)
		return
	}
	if _, err := f.orders.Transition(ctx, orderID, order.StatusPaid); err != nil &&
		!errors.Is(err, order.ErrInvalidTransition) {
		logging.L(ctx).Warn("order not moved to paid", "order_id", orderID, "error", err)
	}
	if _, err := f.orders.Transition(ctx, orderID, order.StatusInEscrow); err != nil {
		logging.L(ctx).Warn("order not moved to in_escrow", "order_id", orderID, "error", err)
	}

	f.events.Publish(notify.EventPaymentConfirmed, orderID, nil)
	f.events.Publish(notify.EventEscrowHeld, orderID, nil)
}

// PaymentExpired implements payment.Listener. A zero-activity expiry
// cancels the order and returns the deposit address to the pool.
func (f *Facade) PaymentExpired(ctx context.Context, orderID string) {
	if _, err := f.orders.Transition(ctx, orderID, order.StatusCancelled); err != nil {
		logging.L(ctx).Warn("expired order not cancelled", "order_id", orderID, "error", err)
		return
	}
	if err := f.addresses.Release(ctx, orderID); err != nil {
		logging.L(ctx).Warn("failed to release address for expired order",
			"order_id", orderID, "error", err)
	}
	f.events.Publish(notify.EventOrderExpired, orderID, nil)
}

// EscrowReleased implements escrow.Listener. Release completes the order
// and credits the affiliate commission, if any.
func (f *Facade) EscrowReleased(ctx context.Context, orderID, actor string) {
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		logging.L(ctx).Error("released escrow for unknown order", "order_id", orderID, "error", err)
		return
	}

	if _, err := f.orders.Transition(ctx, orderID, order.StatusCompleted); err != nil {
		logging.L(ctx).Warn("released order not completed", "order_id", orderID, "error", err)
	}

	if o.AffiliateID != "" {
		err := f.affiliates.RecordCommission(ctx, o.AffiliateID, orderID, o.AmountSats)
		if err != nil && !errors.Is(err, affiliate.ErrDuplicateCommission) {
			logging.L(ctx).Error("failed to record affiliate commission",
				"order_id", orderID, "affiliate_id", o.AffiliateID, "error", err)
		}
	}

	f.events.Publish(notify.EventEscrowReleased, orderID, map[string]interface{}{
		"actor":      actor,
		"amountSats": o.AmountSats,
	})
	f.events.Publish(notify.EventOrderCompleted, orderID, nil)
}

// EscrowRefunded implements escrow.Listener. Refund cancels the order.
func (f *Facade) EscrowRefunded(ctx context.Context, orderID, actor string) {
	if _, err := f.orders.Transition(ctx, orderID, order.StatusCancelled); err != nil {
		logging.L(ctx).Warn("refunded order not cancelled", "order_id", orderID, "error", err)
	}
	f.events.Publish(notify.EventEscrowRefunded, orderID, map[string]interface{}{
		"actor": actor,
	})
}

// Compile-time assertions that the facade is the lifecycle listener.
var (
	_ payment.Listener = (*Facade)(nil)
	_ escrow.Listener  = (*Facade)(nil)
)
