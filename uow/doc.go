// Package uow coordinates units of work that are flushed at the end of a
// processor operation.
//
// A unit of work buffers changes against some resource (a database, a
// cache, a message broker) and writes them out on Flush. Units are enlisted
// with a Controller under a resource id:
//
//	ctrl := uow.NewController()
//	_ = ctrl.Enlist(ctx, ordersBatch, "orders")
//	_ = ctrl.Enlist(ctx, stockBatch, "stock")
//	err := ctrl.Flush(ctx)
//
// Units sharing a resource id form a group and are flushed one after the
// other in enlistment order. Different groups are flushed concurrently.
//
// A unit signals an optimistic concurrency failure by returning an error
// wrapping ErrConcurrencyConflict.
package uow
