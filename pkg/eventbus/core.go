package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-hub/nexus-core/pkg/log"
)

// Dispatcher executes a single RouteAction against its CloudEvent.
// The concrete implementation (container exec, extension call,
// frontend push) lives outside this package, behind the container
// supervisor boundary.
type Dispatcher func(ctx context.Context, action RouteAction, ce CloudEvent) error

// Core wires the in-memory Bus to the durable Store and a Dispatcher,
// implementing the full publish/claim/retry/sweep lifecycle.
type Core struct {
	Bus   *Bus
	Store *Store

	dispatch      Dispatcher
	routes        func(ce CloudEvent) []RouteAction
	claimInterval time.Duration
	batchSize     int
	strandedAfter time.Duration
}

// CoreOption configures Core.
type CoreOption func(*Core)

// WithClaimInterval overrides the 5s default polling period.
func WithClaimInterval(d time.Duration) CoreOption {
	return func(c *Core) { c.claimInterval = d }
}

// WithBatchSize overrides the claim_ready batch size.
func WithBatchSize(n int) CoreOption {
	return func(c *Core) { c.batchSize = n }
}

// WithStrandedAfter overrides how long an in_flight row may sit
// before the sweeper assumes its worker died and resets it to
// pending.
func WithStrandedAfter(d time.Duration) CoreOption {
	return func(c *Core) { c.strandedAfter = d }
}

// NewCore builds a Core. routes derives the RouteActions a CloudEvent
// fans out to (the routing table itself is a deployment concern
// outside this package); dispatch executes one RouteAction.
func NewCore(bus *Bus, store *Store, routes func(CloudEvent) []RouteAction, dispatch Dispatcher, opts ...CoreOption) *Core {
	c := &Core{
		Bus:           bus,
		Store:         store,
		dispatch:      dispatch,
		routes:        routes,
		claimInterval: 5 * time.Second,
		batchSize:     50,
		strandedAfter: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish fans ce out to live in-memory subscribers immediately, then
// durably persists it and its materialized deliveries. If the durable
// insert fails, it falls back to a fire-and-forget dispatch per
// action.
func (c *Core) Publish(ctx context.Context, ce CloudEvent) error {
	c.Bus.Publish(ce)

	actions := c.routes(ce)

	if err := c.Store.InsertEvent(ctx, ce); err != nil {
		log.Warn("eventbus: durable insert failed, falling back to fire-and-forget:", err)
		c.fireAndForget(ce, actions)
		return nil
	}
	if err := c.Store.InsertDeliveries(ctx, ce.ID, actions); err != nil {
		log.Warn("eventbus: delivery insert failed, falling back to fire-and-forget:", err)
		c.fireAndForget(ce, actions)
		return nil
	}
	return nil
}

func (c *Core) fireAndForget(ce CloudEvent, actions []RouteAction) {
	for _, action := range actions {
		go func(a RouteAction) {
			if err := c.dispatch(context.Background(), a, ce); err != nil {
				log.Warn("eventbus: fire-and-forget dispatch failed:", err)
			}
		}(action)
	}
}

// Run supervises the claim/retry loop and the hourly sweepers until
// ctx is canceled or one of them returns a non-nil error.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.claimLoop(ctx) })
	g.Go(func() error { return c.sweepLoop(ctx) })
	return g.Wait()
}

func (c *Core) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.claimAndDispatchBatch(ctx); err != nil {
				log.Warn("eventbus: claim batch error:", err)
			}
		}
	}
}

// claimAndDispatchBatch claims one batch, retrying the claim itself a
// couple of times against transient sqlite-busy errors (the store sits
// behind a single connection, see pkg/db), then dispatches every
// claimed delivery.
func (c *Core) claimAndDispatchBatch(ctx context.Context) error {
	deliveries, err := backoff.Retry(ctx, func() ([]Delivery, error) {
		return c.Store.ClaimReady(ctx, c.batchSize)
	}, backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("claiming ready deliveries: %w", err)
	}

	for _, d := range deliveries {
		c.dispatchOne(ctx, d)
	}
	return nil
}

func (c *Core) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Store.SweepRetention(ctx); err != nil {
				log.Warn("eventbus: retention sweep error:", err)
			}
			if n, err := c.Store.SweepStranded(ctx, c.strandedAfter); err != nil {
				log.Warn("eventbus: stranded sweep error:", err)
			} else if n > 0 {
				log.Logf("eventbus: reclaimed %d stranded in_flight deliveries", n)
			}
		}
	}
}

func (c *Core) dispatchOne(ctx context.Context, d Delivery) {
	action, err := d.Action()
	if err != nil {
		log.Warn("eventbus: corrupt route action for delivery", d.ID, err)
		_ = c.Store.MarkFailed(ctx, d.ID, fmt.Errorf("unmarshaling action: %w", err))
		return
	}

	if err := c.dispatch(ctx, action, d.Event); err != nil {
		if merr := c.Store.MarkFailed(ctx, d.ID, err); merr != nil {
			log.Warn("eventbus: marking delivery failed errored:", merr)
		}
		return
	}
	if merr := c.Store.MarkCompleted(ctx, d.ID); merr != nil {
		log.Warn("eventbus: marking delivery completed errored:", merr)
	}
}
