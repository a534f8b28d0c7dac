package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultTick is the period of the heartbeat. Cross-process state observed by
// any instance is at most one tick old.
const DefaultTick = 500 * time.Millisecond

const pollInterval = DefaultTick / 5

var errClosed = errors.New("coordinator closed")

// Option configures a Coordinator
type Option func(*Coordinator)

// WithDir places the shared cell files in dir. Ignored on platforms with named kernel objects.
func WithDir(dir string) Option {
	return func(c *Coordinator) {
		c.dir = dir
	}
}

// WithTick overrides the heartbeat period. Zero disables the automatic
// heartbeat; the caller then drives Heartbeat itself.
func WithTick(d time.Duration) Option {
	return func(c *Coordinator) {
		c.tick = d
	}
}

// WithTerminate sets the hook run after this instance acknowledged a kill
// request, typically ending the process. The Yielded channel is closed either way.
func WithTerminate(fn func()) Option {
	return func(c *Coordinator) {
		c.terminate = fn
	}
}

// Coordinator arbitrates between instances sharing a product key through a
// one byte shared cell.
//
// The instance that wrote a pending kill request never reacts to it; only the
// other instances do. The primary therefore steps back when a secondary calls
// RequestYield, and a requester keeps running.
type Coordinator struct {
	key       string
	dir       string
	tick      time.Duration
	terminate func()

	role   Role
	region region

	// serializes cell access inside this process, the region lock only
	// excludes other processes
	mu        sync.Mutex
	requested bool
	closed    bool

	visible atomic.Bool

	yielded   chan struct{}
	yieldOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TryBecomePrimary claims the shared cell for key. The first live instance
// becomes RolePrimary and initializes the cell to StateIdle; later instances
// attach to the existing cell as RoleSecondary. Failures other than "already
// claimed" return an error wrapping ErrIPCUnavailable.
// Both roles start the periodic heartbeat.
func TryBecomePrimary(key string, opts ...Option) (*Coordinator, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrIPCUnavailable)
	}

	c := &Coordinator{
		key:     key,
		tick:    DefaultTick,
		yielded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	r, role, err := openRegion(c.dir, key)
	if err != nil {
		return nil, err
	}
	c.region = r
	c.role = role

	log.Infof("single instance coordinator for %q started as %s", key, role)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.tick > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(ctx)
	}

	return c, nil
}

// Role returns the role this instance holds, RolePrimary after a successful Promote
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Key returns the product key the cell is bound to
func (c *Coordinator) Key() string {
	return c.key
}

// Yielded is closed once this instance acknowledged a kill request
func (c *Coordinator) Yielded() <-chan struct{} {
	return c.yielded
}

// SetVisible records whether this instance currently shows its surface.
// Only the local heartbeat consults it.
func (c *Coordinator) SetVisible(visible bool) {
	c.visible.Store(visible)
}

// IsHidden reports whether the cell currently holds StateAckHidden
func (c *Coordinator) IsHidden() bool {
	s, err := c.State()
	if err != nil {
		log.Warnf("failed to read shared cell: %v", err)
		return false
	}
	return s == StateAckHidden
}

// State reads the cell under the lock
func (c *Coordinator) State() (State, error) {
	var s State
	err := c.withCell(func(r region) {
		s = stateFromByte(r.Load())
	})
	return s, err
}

// RequestYield writes StateKillRequest, asking the other instance to step back
func (c *Coordinator) RequestYield() error {
	err := c.withCell(func(r region) {
		r.Store(byte(StateKillRequest))
		c.requested = true
	})
	if err != nil {
		return err
	}

	log.Infof("requested the running instance of %q to yield", c.key)
	return nil
}

// Heartbeat acknowledges the cell according to the local visibility. When the
// cell holds a kill request written by another instance, the acknowledgement
// is written and this instance yields; the return value reports that.
func (c *Coordinator) Heartbeat() (bool, error) {
	var yield bool
	err := c.withCell(func(r region) {
		current := stateFromByte(r.Load())
		ack := ackFor(c.visible.Load())

		switch {
		case current == StateKillRequest && c.requested:
			// our own request, addressed to the other instance
		case current == StateIdle && c.requested:
			// a starting owner reset the cell over our request
			r.Store(byte(StateKillRequest))
		case current == StateKillRequest:
			r.Store(byte(ack))
			yield = true
		default:
			c.requested = false
			r.Store(byte(ack))
		}
	})
	if err != nil {
		return false, err
	}

	if yield {
		log.Infof("kill request observed for %q, yielding", c.key)
		c.markYielded()
	}
	return yield, nil
}

// Promote takes over ownership of the key once the previous primary is gone,
// retrying until ctx is done. A later instance then starts as RolePrimary only
// after this one closed.
func (c *Coordinator) Promote(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errClosed
		}
		if c.role == RolePrimary {
			c.mu.Unlock()
			return nil
		}
		owned, err := c.region.promote()
		if owned {
			c.role = RolePrimary
		}
		c.mu.Unlock()

		if err != nil {
			return err
		}
		if owned {
			log.Infof("promoted to primary for %q", c.key)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("previous primary still holds %q: %w", c.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TakeOver asks the running instance to yield, waits for its acknowledgement
// and then promotes this instance. An instance that acknowledges without
// exiting keeps ownership, so TakeOver fails when ctx ends.
func (c *Coordinator) TakeOver(ctx context.Context) error {
	if c.Role() == RolePrimary {
		return nil
	}
	if err := c.RequestYield(); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.State()
		if err != nil {
			return err
		}

		switch state {
		case StateAckHidden, StateAckShown:
			log.Infof("running instance of %q acknowledged (%s)", c.key, state)
			return c.Promote(ctx)
		case StateIdle:
			if err := c.RequestYield(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("running instance did not step back: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) markYielded() {
	c.yieldOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.yielded)
		if c.terminate != nil {
			// off the heartbeat goroutine so the hook may call Close
			go c.terminate()
		}
	})
}

func (c *Coordinator) withCell(fn func(r region)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	if err := c.region.Lock(); err != nil {
		return err
	}
	fn(c.region)
	return c.region.Unlock()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			yielded, err := c.Heartbeat()
			if err != nil {
				if errors.Is(err, errClosed) {
					return
				}
				log.Errorf("heartbeat failed: %v", err)
				continue
			}
			if yielded {
				return
			}
		}
	}
}

// Close stops the heartbeat and releases the cell. A primary gives up its
// claim, so the next instance started with the same key becomes primary.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.region.Close()
}
