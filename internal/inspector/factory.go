package inspector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

// registry allocates handles and ids for a tree of factories: a root
// factory and the subcarrier factories of its inspectors. Every inspector
// writing to the same output queue gets a distinct handle.
type registry struct {
	mu         sync.Mutex
	all        map[int32]*Inspector
	nextHandle int32
	nextID     uint32
	unfed      atomic.Bool
}

func newRegistry() *registry {
	return &registry{all: make(map[int32]*Inspector)}
}

func (r *registry) add(insp *Inspector) {
	r.mu.Lock()
	insp.handle = r.nextHandle
	r.nextHandle++
	insp.id.Store(r.nextID)
	r.nextID++
	r.all[insp.handle] = insp
	r.mu.Unlock()
}

func (r *registry) lookup(h int32) (*Inspector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	insp, ok := r.all[h]
	return insp, ok
}

func (r *registry) snapshot() []*Inspector {
	r.mu.Lock()
	list := make([]*Inspector, 0, len(r.all))
	for _, insp := range r.all {
		list = append(list, insp)
	}
	r.mu.Unlock()
	sort.Slice(list, func(a, b int) bool { return list[a].handle < list[b].handle })
	return list
}

func (r *registry) remove(h int32) {
	r.mu.Lock()
	delete(r.all, h)
	r.mu.Unlock()
}

// Factory creates inspectors and maps handles to them.
type Factory struct {
	mu       sync.RWMutex
	out, ctl *Queue
	opts     options
	logger   logging.Logger
	reg      *registry
	byHandle map[int32]*Inspector
}

// NewFactory returns an empty factory whose inspectors write to out and ctl.
func NewFactory(out, ctl *Queue, opts ...Option) *Factory {
	o := resolve(opts)
	reg := newRegistry()
	if p := o.parent; p != nil && p.factory != nil {
		reg = p.factory.reg
	}
	return &Factory{
		out:      out,
		ctl:      ctl,
		opts:     o,
		logger:   o.logger.With(logging.F("subsystem", "inspector-factory")),
		reg:      reg,
		byHandle: make(map[int32]*Inspector),
	}
}

// Parent returns the inspector owning this factory, or nil for a root factory.
func (f *Factory) Parent() *Inspector { return f.opts.parent }

// Open creates an inspector, registers it and announces it with an open
// message.
func (f *Factory) Open(class string, si SamplingInfo, userdata any) (*Inspector, error) {
	insp, err := New(f, class, si, f.out, f.ctl, userdata, withResolved(f.opts))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.reg.add(insp)
	f.byHandle[insp.handle] = insp
	f.mu.Unlock()

	f.opts.metrics.InspectorOpened()
	f.logger.Info("inspector opened",
		logging.F("handle", insp.handle),
		logging.F("class", class),
		logging.F("equiv_fs", insp.SamplingInfo().EquivFs))

	if err := insp.send(f.out, remote.KindOpen, insp.describe(&remote.InspectorMessage{})); err != nil && !errors.Is(err, mq.ErrClosed) {
		f.logger.Warn("open announcement failed", logging.F("error", err))
	}
	return insp, nil
}

// Lookup returns the inspector registered under h anywhere in the factory
// tree, subcarrier inspectors included.
func (f *Factory) Lookup(h int32) (*Inspector, error) {
	insp, ok := f.reg.lookup(h)
	if !ok {
		return nil, ErrGone
	}
	return insp, nil
}

// lookupOwn only resolves inspectors opened by f itself.
func (f *Factory) lookupOwn(h int32) (*Inspector, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	insp, ok := f.byHandle[h]
	if !ok {
		return nil, ErrGone
	}
	return insp, nil
}

// owner returns the factory insp was opened by.
func (f *Factory) owner(insp *Inspector) *Factory {
	if insp.factory != nil {
		return insp.factory
	}
	return f
}

// Len returns the number of inspectors opened by f, not counting
// subcarrier inspectors.
func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byHandle)
}

func (f *Factory) snapshot() []*Inspector {
	f.mu.RLock()
	list := make([]*Inspector, 0, len(f.byHandle))
	for _, insp := range f.byHandle {
		list = append(list, insp)
	}
	f.mu.RUnlock()
	sort.Slice(list, func(a, b int) bool { return list[a].handle < list[b].handle })
	return list
}

// Walk calls fn for every registered inspector in handle order. It stops at
// the first false and reports whether the walk completed.
func (f *Factory) Walk(fn func(*Inspector) bool) bool {
	for _, insp := range f.snapshot() {
		if !fn(insp) {
			return false
		}
	}
	return true
}

// release unregisters h and drops the factory reference.
func (f *Factory) release(h int32) {
	f.mu.Lock()
	insp, ok := f.byHandle[h]
	delete(f.byHandle, h)
	f.mu.Unlock()
	if !ok {
		return
	}
	f.reg.remove(h)
	f.opts.metrics.InspectorReleased()
	f.logger.Debug("inspector released", logging.F("handle", h))
	insp.unref()
}

// Halt asks inspector h to stop. The feeding goroutine observes the request
// at its next batch boundary, after which the factory releases the instance.
// Once StopFeeding was called there is no such goroutine and the inspector
// halts immediately.
func (f *Factory) Halt(h int32) error {
	insp, err := f.Lookup(h)
	if err != nil {
		return err
	}
	f.halt(insp)
	if insp.State() == StateHalted {
		f.owner(insp).release(h)
	}
	return nil
}

func (f *Factory) halt(insp *Inspector) {
	insp.Halt()
	if f.reg.unfed.Load() && insp.State() == StateHalting {
		insp.forceHalt()
	}
}

// HaltAndWait is Halt followed by waiting for the inspector to reach
// StateHalted. The inspector is released once it does.
func (f *Factory) HaltAndWait(ctx context.Context, h int32) error {
	insp, err := f.Lookup(h)
	if err != nil {
		return err
	}
	f.halt(insp)
	select {
	case <-insp.Done():
		f.owner(insp).release(h)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopFeeding tells the factory that no more batches will arrive, for
// example after the source reached its end. Inspectors waiting for a batch
// boundary to halt are halted and released now, and so is every later Halt.
func (f *Factory) StopFeeding() {
	f.reg.unfed.Store(true)
	for _, insp := range f.reg.snapshot() {
		if insp.State() != StateHalting {
			continue
		}
		insp.forceHalt()
		f.owner(insp).release(insp.handle)
	}
}

// Close halts inspector h without waiting for a feeding goroutine,
// announces the closure and releases it. A subcarrier inspector is also
// detached from its parent's channelizer.
func (f *Factory) Close(h int32) error {
	insp, err := f.Lookup(h)
	if err != nil {
		return err
	}
	owner := f.owner(insp)
	if p := owner.Parent(); p != nil {
		p.detachSubcarrier(insp)
	}
	return owner.close(insp)
}

func (f *Factory) close(insp *Inspector) error {
	insp.forceHalt()
	sendErr := insp.send(f.out, remote.KindClose, &remote.InspectorMessage{})
	f.release(insp.handle)
	if errors.Is(sendErr, mq.ErrClosed) {
		return nil
	}
	return sendErr
}

// CloseAll closes every registered inspector.
func (f *Factory) CloseAll() error {
	var errs error
	for _, insp := range f.snapshot() {
		errs = multierr.Append(errs, f.Close(insp.handle))
	}
	return errs
}

// Feed hands one batch to inspector h, which must have been opened by f.
// When the inspector reports it has halted, the factory releases it.
func (f *Factory) Feed(h int32, x []complex64, at time.Time) (int, error) {
	insp, err := f.lookupOwn(h)
	if err != nil {
		return 0, err
	}
	insp.ref()
	n, err := insp.FeedBulk(x, at)
	insp.unref()
	if errors.Is(err, ErrHalted) {
		f.release(h)
	}
	return n, err
}

// FeedAll hands the same batch to every registered inspector. Halted
// inspectors are released silently; other failures are aggregated.
func (f *Factory) FeedAll(x []complex64, at time.Time) error {
	var errs error
	for _, insp := range f.snapshot() {
		if _, err := f.Feed(insp.handle, x, at); err != nil && !errors.Is(err, ErrHalted) && !errors.Is(err, ErrGone) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
