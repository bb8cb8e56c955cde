package saga

import (
	"context"
	"fmt"

	"convoy/internal/bus"
	"convoy/internal/orders"
	"convoy/internal/outbox"
)

// stepHandler binds a step type to its forward action and its compensating
// action. The table below is the closed set of dispatchable steps; a type
// missing from it fails the step instead of crashing the process.
type stepHandler struct {
	// async handlers only publish a request; the step stays IN_PROGRESS
	// until a downstream signal resolves it.
	async bool
	// execute runs the forward action. All writes go through one Tx.
	execute func(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error
	// compensate undoes a completed step. nil means nothing to undo.
	compensate func(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error
	// compensationUnsupported marks types whose undo is not defined; the
	// compensation loop logs and moves on.
	compensationUnsupported bool
}

var stepHandlers = map[StepType]stepHandler{
	StepCreateOrder: {
		// The order row is committed by the request path before the saga
		// starts; there is nothing left to do here.
		execute: func(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
			return nil
		},
	},
	StepReserveStock: {
		async:      true,
		execute:    executeReserveStock,
		compensate: compensateReserveStock,
	},
	StepConfirmOrder: {
		execute: executeConfirmOrder,
	},
	StepProcessPayment: {
		execute:    executeProcessPayment,
		compensate: compensateProcessPayment,
	},
	StepShipOrder: {
		execute:                 executeShipOrder,
		compensationUnsupported: true,
	},
	StepCancelOrder: {
		execute: executeCancelOrder,
	},
}

// executeReserveStock publishes the stock reservation request through the
// outbox and returns without waiting for the inventory service's answer.
func executeReserveStock(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		order, err := tx.Order(ctx, s.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", s.OrderID, err)
		}

		ev, err := outbox.NewEvent(o.newID(), bus.EventOrderCreated, s.OrderID, outbox.OrderCreatedPayload{
			OrderID: order.ID,
			Items:   order.Items,
		}, o.now())
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

func compensateReserveStock(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		ev, err := outbox.NewEvent(o.newID(), bus.EventReleaseStock, s.OrderID, outbox.ReleaseStockPayload{
			OrderID: s.OrderID,
		}, o.now())
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

// executeConfirmOrder transitions the order to CONFIRMED and announces it,
// atomically.
func executeConfirmOrder(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		order, err := tx.Order(ctx, s.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", s.OrderID, err)
		}
		if err := tx.UpdateOrderStatus(ctx, s.OrderID, orders.StatusConfirmed, "stock reserved"); err != nil {
			return err
		}

		ev, err := outbox.NewEvent(o.newID(), bus.EventOrderConfirmed, s.OrderID, outbox.OrderConfirmedPayload{
			OrderID:     order.ID,
			OrderNumber: order.Number,
			Items:       order.Items,
		}, o.now())
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

// executeProcessPayment stamps the order PAID. The gateway integration
// lives outside this coordinator; this is its contract point.
func executeProcessPayment(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpdateOrderStatus(ctx, s.OrderID, orders.StatusPaid, "payment processed"); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

func compensateProcessPayment(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		ev, err := outbox.NewEvent(o.newID(), bus.EventRefundPayment, s.OrderID, outbox.RefundPaymentPayload{
			OrderID: s.OrderID,
		}, o.now())
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

func executeShipOrder(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpdateOrderStatus(ctx, s.OrderID, orders.StatusShipped, "shipment dispatched"); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}

// executeCancelOrder moves the order to CANCELLED, recording the prior
// status, and announces the cancellation. Compensation runs this as its
// closing action; it is also dispatchable as a regular step.
func executeCancelOrder(ctx context.Context, o *Orchestrator, s *Saga, st *Step) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		order, err := tx.Order(ctx, s.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", s.OrderID, err)
		}
		note := fmt.Sprintf("saga compensation (was %s)", order.Status)
		if err := tx.UpdateOrderStatus(ctx, s.OrderID, orders.StatusCancelled, note); err != nil {
			return err
		}

		ev, err := outbox.NewEvent(o.newID(), bus.EventOrderCancelled, s.OrderID, outbox.OrderCancelledPayload{
			OrderID: order.ID,
			Reason:  "saga compensation",
			Items:   order.Items,
		}, o.now())
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}
		return tx.SaveSaga(ctx, s)
	})
}
