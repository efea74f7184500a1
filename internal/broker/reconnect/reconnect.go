// Package reconnect owns the dial/retry lifecycle for every socket-based
// transport driver and replays each driver's live subscriptions once a new
// connection is up.
package reconnect

import (
	"context"
	"crypto/rand"
	"log"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/transport"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// MinBackoff is the delay before the first reconnect attempt.
const MinBackoff = 500 * time.Millisecond

// MaxBackoff caps the exponential backoff between reconnect attempts.
const MaxBackoff = 30 * time.Second

// Reconnectable is the subset of a socket-based transport driver's surface
// the supervisor needs: every method a driver offers beyond types.DriverSender.
type Reconnectable interface {
	types.DriverSender
	Connect(ctx context.Context) error
	Run(ctx context.Context)
	Done() <-chan transport.DisconnectSignal
	Subscriptions() *registry.SubscriptionRegistry
	Endpoint() types.Endpoint
}

// Supervisor watches one or more Reconnectables and rebuilds their
// connections on disconnect, replaying each driver's active subscriptions
// afterward.
type Supervisor struct {
	drivers []Reconnectable
	entropy *ulid.MonotonicEntropy
}

// New returns a Supervisor for the given drivers. Drivers whose endpoint
// never drops (e.g. the stateless HTTP driver) simply aren't passed in —
// they don't implement Reconnectable.
func New(drivers ...Reconnectable) *Supervisor {
	return &Supervisor{
		drivers: drivers,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Run starts every driver and blocks watching all of them until ctx is
// done. Each driver gets its own watch goroutine so one endpoint's outage
// never stalls another's traffic.
func (s *Supervisor) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.drivers))
	for _, d := range s.drivers {
		d := d
		go func() {
			s.watch(ctx, d)
			done <- struct{}{}
		}()
	}
	for range s.drivers {
		<-done
	}
}

// watch connects d, runs it, and on every disconnect reconnects with
// exponential backoff before replaying its subscriptions and running it
// again. It returns only when ctx is canceled.
func (s *Supervisor) watch(ctx context.Context, d Reconnectable) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectWithBackoff(ctx, d, &attempt); err != nil {
			return // ctx canceled while backing off
		}
		attempt = 0

		runDone := make(chan struct{})
		go func() {
			d.Run(ctx)
			close(runDone)
		}()

		select {
		case <-ctx.Done():
			<-runDone
			return
		case <-d.Done():
			<-runDone
		}

		if ctx.Err() != nil {
			return
		}
		log.Printf("reconnect: %s: connection lost, reconnecting", d.Endpoint().Key)
	}
}

// connectWithBackoff dials d, retrying with exponential backoff (capped at
// MaxBackoff) until it succeeds or ctx is canceled.
func (s *Supervisor) connectWithBackoff(ctx context.Context, d Reconnectable, attempt *int) error {
	for {
		if err := d.Connect(ctx); err != nil {
			id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
			delay := backoffDelay(*attempt)
			log.Printf("reconnect: %s: attempt=%s connect failed, retrying in %s: %v", d.Endpoint().Key, id, delay, err)
			*attempt++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
		s.replaySubscriptions(d)
		return nil
	}
}

// backoffDelay returns 2^attempt * MinBackoff, capped at MaxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := MinBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

// replaySubscriptions re-sends a listen for every subscription the driver
// still holds registered, so the new connection picks up exactly the event
// streams the old one was serving. The registry may be shared by several
// drivers, so only entries whose rule routes to this driver's endpoint are
// replayed. The subscription registry survives the reconnect untouched;
// each replayed listen goes through the driver's normal listen path, which
// finds the entry already registered and emits an unregister frame for its
// call id before the register frame.
func (s *Supervisor) replaySubscriptions(d Reconnectable) {
	subs := d.Subscriptions()
	if subs == nil {
		return
	}

	key := d.Endpoint().Key
	replayed := 0
	for _, br := range subs.All() {
		routed := br.Rule.EndpointKey
		if routed == "" {
			routed = types.DefaultEndpointKey
		}
		if routed != key {
			continue
		}
		br.Rpc.IsListen = true
		br.Rpc.IsUnlisten = false
		if err := d.Send(br); err != nil {
			log.Printf("reconnect: %s: replay listen for %s failed: %v", d.Endpoint().Key, br.Rpc.Method, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		log.Printf("reconnect: %s: replayed %d subscription(s)", d.Endpoint().Key, replayed)
	}
}
