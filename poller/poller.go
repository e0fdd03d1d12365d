package poller

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const DefaultInterval = 5 * time.Minute
const maximumJobDuration = 30 * time.Second

// Refresher fetches and records a reading for one sensor.
type Refresher func(ctx context.Context, ref sensor.Ref) error

// Lister reports the sensors that should currently be polled.
type Lister func(ctx context.Context) ([]sensor.Ref, error)

type Option func(*Poller)

// WithDiscovery adds every sensor list reports when polling starts, and again every interval after.
// Discovery only adds sensors, one missing from a later listing keeps being polled.
func WithDiscovery(list Lister, interval time.Duration) Option {
	return func(p *Poller) {
		p.list = list
		p.discoveryInterval = interval
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithoutJitter starts polling each sensor immediately rather than at a random point in the first
// interval.
func WithoutJitter() Option {
	return func(p *Poller) {
		p.jitter = false
	}
}

// WithMaximumBackOff caps the delay after consecutive failures.
func WithMaximumBackOff(d time.Duration) Option {
	return func(p *Poller) {
		p.maximumBackOff = d
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

func New(refresh Refresher, opts ...Option) *Poller {
	p := &Poller{
		refresh:        refresh,
		interval:       DefaultInterval,
		jitter:         true,
		maximumBackOff: 30 * time.Minute,
		logger:         logwrap.New(discard.Discard()),
		m:              &sync.Mutex{},
		targets:        map[sensor.Ref]context.CancelFunc{},
		wg:             &sync.WaitGroup{},
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Poller refreshes a set of sensors on an interval. After a failed refresh the next attempt for
// that sensor backs off exponentially, until a refresh succeeds.
type Poller struct {
	refresh        Refresher
	interval       time.Duration
	jitter         bool
	maximumBackOff time.Duration
	logger         logwrap.Logger

	list              Lister
	discoveryInterval time.Duration

	m       *sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	targets map[sensor.Ref]context.CancelFunc
	wg      *sync.WaitGroup
	rand    *rand.Rand
}

// Start begins polling every sensor added so far, and any added later, until ctx ends or Stop.
func (p *Poller) Start(ctx context.Context) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.ctx != nil {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	for ref := range p.targets {
		p.launch(ref)
	}

	if p.list != nil {
		p.wg.Add(1)
		go p.discover(p.ctx)
	}
}

// Stop ends polling and waits for in-flight refreshes to return.
func (p *Poller) Stop() {
	p.m.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.ctx = nil
	p.cancel = nil
	for ref := range p.targets {
		p.targets[ref] = nil
	}
	p.m.Unlock()

	p.wg.Wait()
}

func (p *Poller) Add(ref sensor.Ref) {
	p.m.Lock()
	defer p.m.Unlock()

	if cancel, found := p.targets[ref]; found && cancel != nil {
		return
	}

	p.targets[ref] = nil

	if p.ctx != nil {
		p.launch(ref)
	}
}

func (p *Poller) Remove(ref sensor.Ref) {
	p.m.Lock()
	defer p.m.Unlock()

	if cancel := p.targets[ref]; cancel != nil {
		cancel()
	}

	delete(p.targets, ref)
}

func (p *Poller) Targets() []sensor.Ref {
	p.m.Lock()
	defer p.m.Unlock()

	refs := make([]sensor.Ref, 0, len(p.targets))
	for ref := range p.targets {
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})

	return refs
}

// launch must be called with the lock held.
func (p *Poller) launch(ref sensor.Ref) {
	ctx, cancel := context.WithCancel(p.ctx)
	p.targets[ref] = cancel

	initialWait := time.Duration(0)
	if p.jitter {
		initialWait = time.Duration(float64(p.interval) * p.rand.Float64())
	}

	p.wg.Add(1)
	go p.run(ctx, ref, initialWait)
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval / 10
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if b.InitialInterval > p.maximumBackOff {
		b.InitialInterval = p.maximumBackOff
	}
	b.MaxInterval = p.maximumBackOff
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

func (p *Poller) run(ctx context.Context, ref sensor.Ref, wait time.Duration) {
	defer p.wg.Done()

	b := p.newBackOff()

	for {
		if !sleep(ctx, wait) {
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, maximumJobDuration)
		err := p.refresh(jobCtx, ref)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				wait = p.maximumBackOff
			}

			p.logger.Warn(ctx, "Sensor refresh failed, backing off.", logwrap.Datum("Sensor", ref.String()), logwrap.Datum("Delay", wait.String()), logwrap.Err(err))
			continue
		}

		b.Reset()
		wait = p.interval
	}
}

func (p *Poller) discover(ctx context.Context) {
	defer p.wg.Done()

	interval := p.discoveryInterval
	if interval <= 0 {
		interval = p.interval
	}

	for {
		refs, err := p.list(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn(ctx, "Sensor discovery failed.", logwrap.Err(err))
		}

		for _, ref := range refs {
			p.Add(ref)
		}

		if !sleep(ctx, interval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
