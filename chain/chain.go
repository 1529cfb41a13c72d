// Package chain presents an ordered list of stores as one logical
// sequence of entries.
//
// Constituents are opened one at a time, when the cursor first enters
// them. Bindings made on a chain follow the cursor: entering a new
// constituent revalidates them against its schema, so an incompatible
// constituent is reported by the first GetEntry that reaches it.
package chain

import (
	"fmt"
	"sort"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/store"
	"go.uber.org/zap"
)

// Rebinder moves the bindings of a chain onto a newly entered constituent.
type Rebinder func(set *bind.Set, next *store.Store) error

// Revalidate is the default Rebinder: every binding must stay compatible.
func Revalidate(set *bind.Set, next *store.Store) error {
	return set.Revalidate(next)
}

// Option configures a Chain.
type Option func(*Chain)

// WithRebinder replaces the strict default rebinder.
func WithRebinder(r Rebinder) Option {
	return func(c *Chain) {
		if r != nil {
			c.rebind = r
		}
	}
}

// WithLogger sets the logger for constituent switches.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStoreOptions sets the options constituents are opened with.
func WithStoreOptions(opts ...store.Option) Option {
	return func(c *Chain) { c.storeOpts = opts }
}

// Chain is an ordered concatenation of stores. It is not safe for
// concurrent use.
type Chain struct {
	specs     []store.Spec
	offsets   []int64 // offsets[i] is the first logical entry of constituent i; nil until computed
	total     int64
	current   int
	cur       *store.Store
	set       *bind.Set
	rebind    Rebinder
	storeOpts []store.Option
	logger    *zap.Logger
	closed    bool
}

// New returns an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{
		current: -1,
		set:     bind.NewSet(),
		rebind:  Revalidate,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends a constituent. The same store may be added more than once;
// each addition is its own logical range. Nothing is opened yet.
func (c *Chain) Add(spec store.Spec) error {
	if c.closed {
		return ntuple.ErrClosed
	}
	c.specs = append(c.specs, spec)
	c.offsets = nil
	return nil
}

// Len is the number of constituents.
func (c *Chain) Len() int { return len(c.specs) }

// Specs returns the constituents in order.
func (c *Chain) Specs() []store.Spec {
	return append([]store.Spec(nil), c.specs...)
}

// NumEntries is the total number of logical entries.
func (c *Chain) NumEntries() (int64, error) {
	if err := c.layout(); err != nil {
		return 0, err
	}
	return c.total, nil
}

// layout computes the cumulative entry counts once per set of constituents.
func (c *Chain) layout() error {
	if c.offsets != nil {
		return nil
	}
	offsets := make([]int64, len(c.specs))
	var total int64
	for i, spec := range c.specs {
		n, err := c.count(i, spec)
		if err != nil {
			return err
		}
		offsets[i] = total
		total += n
	}
	c.offsets, c.total = offsets, total
	return nil
}

func (c *Chain) count(i int, spec store.Spec) (int64, error) {
	if i == c.current {
		return c.cur.NumEntries(), nil
	}
	s, err := store.OpenSpec(spec, c.storeOpts...)
	if err != nil {
		return 0, fmt.Errorf("chain constituent %d (%s): %w", i, spec, err)
	}
	defer s.Close()
	return s.NumEntries(), nil
}

// Bindings returns the binding set applied by GetEntry.
func (c *Chain) Bindings() *bind.Set { return c.set }

// Bind binds buf to a field of the current constituent, entering the first
// one if none is current.
func (c *Chain) Bind(name string, buf any) (bind.Status, error) {
	cur, err := c.currentStore()
	if err != nil {
		return bind.StatusMissingField, err
	}
	return c.set.Bind(cur, name, buf)
}

// BindHandle binds buf through a handle resolved against Schema().
//
// Deprecated: use Bind.
func (c *Chain) BindHandle(name string, buf any, h schema.Handle) (bind.Status, error) {
	cur, err := c.currentStore()
	if err != nil {
		return bind.StatusMissingField, err
	}
	return c.set.BindHandle(cur, name, buf, h)
}

// Schema returns the schema of the current constituent, entering the first
// one if none is current.
func (c *Chain) Schema() (*schema.Schema, error) {
	cur, err := c.currentStore()
	if err != nil {
		return nil, err
	}
	return cur.Schema(), nil
}

func (c *Chain) currentStore() (*store.Store, error) {
	if c.closed {
		return nil, ntuple.ErrClosed
	}
	if c.cur != nil {
		return c.cur, nil
	}
	if len(c.specs) == 0 {
		return nil, fmt.Errorf("%w: chain has no constituents", ntuple.ErrStoreNotFound)
	}
	if err := c.enter(0); err != nil {
		return nil, err
	}
	return c.cur, nil
}

// GetEntry reads logical entry i into the bound buffers.
func (c *Chain) GetEntry(i int64) error {
	if c.closed {
		return ntuple.ErrClosed
	}
	k, local, err := c.LocalEntry(i)
	if err != nil {
		return err
	}
	if k != c.current {
		if err := c.enter(k); err != nil {
			return err
		}
	}
	return c.cur.ReadRecord(local, c.set)
}

// enter opens constituent k and moves the bindings onto it. On failure the
// previous constituent stays current.
func (c *Chain) enter(k int) error {
	spec := c.specs[k]
	next, err := store.OpenSpec(spec, c.storeOpts...)
	if err != nil {
		return fmt.Errorf("chain constituent %d (%s): %w", k, spec, err)
	}
	if err := c.rebind(c.set, next); err != nil {
		_ = next.Close()
		c.logger.Warn("incompatible constituent", zap.Int("constituent", k), zap.Stringer("spec", spec), zap.Error(err))
		return err
	}
	if c.cur != nil {
		if err := c.cur.Close(); err != nil {
			c.logger.Warn("failed to close constituent", zap.Int("constituent", c.current), zap.Error(err))
		}
	}
	c.logger.Debug("entered constituent", zap.Int("constituent", k), zap.Stringer("spec", spec), zap.Int64("entries", next.NumEntries()))
	c.cur, c.current = next, k
	return nil
}

// Current returns the open constituent, or nil before the first one is
// entered.
func (c *Chain) Current() *store.Store { return c.cur }

// CurrentConstituent is the index of the open constituent, or -1.
func (c *Chain) CurrentConstituent() int { return c.current }

// LocalEntry maps a logical entry to its constituent and local index.
func (c *Chain) LocalEntry(i int64) (int, int64, error) {
	if err := c.layout(); err != nil {
		return 0, 0, err
	}
	if i < 0 || i >= c.total {
		return 0, 0, &ntuple.RecordNotFoundError{Index: i, Entries: c.total}
	}
	k := sort.Search(len(c.offsets), func(k int) bool { return c.offsets[k] > i }) - 1
	return k, i - c.offsets[k], nil
}

// Close closes the open constituent. Close is idempotent.
func (c *Chain) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur, c.current = nil, -1
	return err
}
