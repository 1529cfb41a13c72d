// Package processor iterates the entries of one or more stores through a
// read model.
//
// A processor is created over a list of store specs treated as a chain,
// optionally joined with auxiliary stores. Iteration is lazy, forward
// only and not restartable: every advance loads the next logical entry
// into a single reused Entry.
package processor

import (
	"fmt"
	"iter"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/chain"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/store"
	"go.uber.org/zap"
)

// State is the lifecycle position of a processor.
type State int

const (
	StateCreated State = iota
	StateOpen
	StateAdvancing
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateAdvancing:
		return "advancing"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures a Processor.
type Option func(*Processor)

// WithName names the processor. It defaults to the first store's name.
func WithName(name string) Option {
	return func(p *Processor) { p.name = name }
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithStoreOptions sets the options every store is opened with.
func WithStoreOptions(opts ...store.Option) Option {
	return func(p *Processor) { p.storeOpts = opts }
}

// Processor produces the entries of a chain of stores. It is not safe for
// concurrent use.
type Processor struct {
	name      string
	chain     *chain.Chain
	model     *schema.Schema // nil until opened when no model is given
	explicit  bool
	entry     *Entry
	aux       []*auxiliary
	state     State
	total     int64
	next      int64
	current   int64
	processed int64
	err       error
	logger    *zap.Logger
	storeOpts []store.Option
}

// Create returns a processor over a single store.
func Create(spec store.Spec, model *schema.Model, opts ...Option) (*Processor, error) {
	return CreateChain([]store.Spec{spec}, model, opts...)
}

// CreateChain returns a processor over specs read one after the other. A
// nil model projects every field of the first store; otherwise only the
// fields the model declares are materialized.
func CreateChain(specs []store.Spec, model *schema.Model, opts ...Option) (*Processor, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: processor needs at least one store", ntuple.ErrStoreNotFound)
	}
	p := &Processor{
		name:    specs[0].Name,
		state:   StateCreated,
		current: -1,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.entry = newEntry(p)
	if model != nil {
		p.model = model.Schema()
		p.explicit = true
	}
	p.chain = chain.New(
		chain.WithRebinder(p.rebind),
		chain.WithLogger(p.logger),
		chain.WithStoreOptions(p.storeOpts...),
	)
	for _, spec := range specs {
		if err := p.chain.Add(spec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// open enters the first store and binds the model.
func (p *Processor) open() error {
	if _, err := p.chain.Schema(); err != nil {
		return err
	}
	total, err := p.chain.NumEntries()
	if err != nil {
		return err
	}
	p.total = total
	for _, a := range p.aux {
		if err := a.open(p); err != nil {
			return err
		}
	}
	p.state = StateOpen
	p.logger.Debug("opened processor",
		zap.String("processor", p.name),
		zap.Int("stores", p.chain.Len()),
		zap.Int64("entries", total),
		zap.Strings("fields", p.model.Names()))
	return nil
}

// rebind moves the entry buffers onto store next. Model fields absent from
// next stay unbound and report FieldNotFoundError until a later store
// provides them. Nothing changes unless every present field is compatible.
func (p *Processor) rebind(set *bind.Set, next *store.Store) error {
	if p.model == nil {
		p.model = next.Schema()
	}
	p.entry.ensure(p.model)

	sch := next.Schema()
	scratch := bind.NewSet()
	for _, f := range p.model.Fields() {
		sf, ok := sch.FieldByName(f.Name)
		if !ok {
			continue
		}
		if p.explicit && (sf.Type != f.Type || sf.Card != f.Card) {
			return ntuple.NewSchemaMismatchError(next.Name(), f.Name, fmt.Sprintf("stored as %s, modeled as %s", sf, f), nil)
		}
		status, err := scratch.Bind(next, f.Name, p.entry.values[f.Name])
		if err != nil {
			return err
		}
		if status != bind.StatusOK {
			return ntuple.NewSchemaMismatchError(next.Name(), f.Name, status.String(), nil)
		}
	}
	for _, f := range p.model.Fields() {
		if _, ok := sch.FieldByName(f.Name); !ok {
			set.Unbind(f.Name)
			p.entry.missing[f.Name] = true
			continue
		}
		if _, err := set.Bind(next, f.Name, p.entry.values[f.Name]); err != nil {
			return err
		}
		delete(p.entry.missing, f.Name)
	}
	p.entry.store = next.Name()
	return nil
}

// Next advances to the next entry. It returns false once the entries are
// exhausted or an error occurred; see Err.
func (p *Processor) Next() bool {
	if p.state == StateExhausted {
		return false
	}
	if p.state == StateCreated {
		if err := p.open(); err != nil {
			p.fail(err)
			return false
		}
	}
	if p.next >= p.total {
		p.state = StateExhausted
		p.logger.Debug("processor exhausted", zap.String("processor", p.name), zap.Int64("processed", p.processed))
		return false
	}
	if err := p.load(p.next); err != nil {
		p.fail(err)
		return false
	}
	return true
}

// LoadEntry loads logical entry n directly. Iteration continues after n.
func (p *Processor) LoadEntry(n int64) error {
	if p.state == StateCreated {
		if err := p.open(); err != nil {
			p.fail(err)
			return err
		}
	}
	if p.err != nil {
		return p.err
	}
	if n < 0 || n >= p.total {
		return &ntuple.RecordNotFoundError{Index: n, Entries: p.total}
	}
	return p.load(n)
}

func (p *Processor) load(n int64) error {
	if err := p.chain.GetEntry(n); err != nil {
		return err
	}
	for _, a := range p.aux {
		if err := a.load(n); err != nil {
			return err
		}
	}
	p.current = n
	p.next = n + 1
	p.processed++
	p.state = StateAdvancing
	entriesProcessed.Inc()
	return nil
}

func (p *Processor) fail(err error) {
	p.err = err
	p.state = StateExhausted
	p.logger.Warn("processor stopped", zap.String("processor", p.name), zap.Error(err))
}

// Entry returns the current entry. It is reused across advances.
func (p *Processor) Entry() *Entry { return p.entry }

// Entries returns the remaining entries as a sequence. Check Err after
// the loop.
func (p *Processor) Entries() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for p.Next() {
			if !yield(p.entry) {
				return
			}
		}
	}
}

// Err returns the error that stopped iteration, if any.
func (p *Processor) Err() error { return p.err }

// State returns the lifecycle state.
func (p *Processor) State() State { return p.state }

// Name is the processor name.
func (p *Processor) Name() string { return p.name }

// NEntriesProcessed is the number of entries loaded so far.
func (p *Processor) NEntriesProcessed() int64 { return p.processed }

// NEntries is the total number of logical entries.
func (p *Processor) NEntries() (int64, error) { return p.chain.NumEntries() }

// CurrentEntryNumber is the logical number of the current entry, or -1
// before the first advance.
func (p *Processor) CurrentEntryNumber() int64 { return p.current }

// LocalEntryNumber is the number of the current entry within its store.
func (p *Processor) LocalEntryNumber() int64 {
	if p.current < 0 {
		return -1
	}
	_, local, err := p.chain.LocalEntry(p.current)
	if err != nil {
		return -1
	}
	return local
}

// CurrentProcessorNumber is the index of the store the current entry
// comes from.
func (p *Processor) CurrentProcessorNumber() int {
	return max(p.chain.CurrentConstituent(), 0)
}

// Model returns the projected fields of the primary stores, or nil before
// the processor is opened without an explicit model.
func (p *Processor) Model() *schema.Schema { return p.model }

// Close releases every open store. Close is idempotent.
func (p *Processor) Close() error {
	err := p.chain.Close()
	for _, a := range p.aux {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}
	p.state = StateExhausted
	return err
}
