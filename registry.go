package dlsym

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Notifier receives image load and unload events from whatever tracks the
// images of a process.
type Notifier interface {
	Added(path string, img Image)
	Removed(addr uint64)
}

// An Entry is a registered image. Its State is parsed at most once.
type Entry struct {
	Path  string
	Addr  uint64
	Image Image

	reg   *Registry
	once  sync.Once
	state *State
	err   error
}

// State returns the parsed image, parsing it on first use. Concurrent
// callers wait for the one parse and all see its result.
func (e *Entry) State() (*State, error) {
	e.once.Do(func() {
		e.state, e.err = e.reg.parse(e)
	})
	return e.state, e.err
}

// Name is the last element of the image path.
func (e *Entry) Name() string {
	return filepath.Base(e.Path)
}

func (e *Entry) String() string {
	return fmt.Sprintf("%#x %s", e.Addr, e.Path)
}

type registryConfig struct {
	logger    log.Logger
	metrics   *Metrics
	parseOpts []ParseOption
}

// A RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

// WithLogger sets the logger parse failures and registry changes go to.
func WithLogger(logger log.Logger) RegistryOption {
	return func(c *registryConfig) {
		c.logger = logger
	}
}

// WithMetrics records registry and resolver activity in m.
func WithMetrics(m *Metrics) RegistryOption {
	return func(c *registryConfig) {
		c.metrics = m
	}
}

// WithParseOptions sets the options every image is parsed with.
func WithParseOptions(opts ...ParseOption) RegistryOption {
	return func(c *registryConfig) {
		c.parseOpts = opts
	}
}

// Registry maps image header addresses to images and their parsed state.
// It is safe for concurrent use.
type Registry struct {
	images    *xsync.MapOf[uint64, *Entry]
	logger    log.Logger
	metrics   *Metrics
	parseOpts []ParseOption

	mu       sync.Mutex
	onRemove []func(*Entry)
	// gen counts removals.
	gen atomic.Uint64
}

var _ Notifier = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{logger: log.NewNopLogger()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Registry{
		images:    xsync.NewMapOf[uint64, *Entry](),
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		parseOpts: cfg.parseOpts,
	}
}

func (r *Registry) parse(e *Entry) (*State, error) {
	s, err := Parse(e.Image, r.parseOpts...)
	if r.metrics != nil {
		r.metrics.Parses.WithLabelValues(result(err)).Inc()
	}
	if err != nil {
		level.Warn(r.logger).Log("msg", "image parse failed", "path", e.Path, "addr", fmt.Sprintf("%#x", e.Addr), "err", err)
		return nil, err
	}
	level.Debug(r.logger).Log("msg", "image parsed", "path", e.Path, "addr", fmt.Sprintf("%#x", e.Addr),
		"segments", len(s.Segments), "symbols", s.NSyms, "exports", s.ExportInfo)
	return s, nil
}

func (r *Registry) newEntry(path string, img Image) *Entry {
	return &Entry{Path: path, Addr: img.Addr, Image: img, reg: r}
}

func (r *Registry) updateGauge() {
	if r.metrics != nil {
		r.metrics.RegisteredImages.Set(float64(r.images.Size()))
	}
}

// Register records a loaded image and parses it. An image that fails to
// parse stays registered and keeps reporting the parse error, without
// affecting other images. Registering a new image at an address replaces
// the old one.
func (r *Registry) Register(path string, img Image) (*State, error) {
	e := r.newEntry(path, img)
	if old, loaded := r.images.LoadAndStore(img.Addr, e); loaded {
		r.removed(old)
	}
	r.updateGauge()
	level.Debug(r.logger).Log("msg", "image registered", "path", path, "addr", fmt.Sprintf("%#x", img.Addr))
	return e.State()
}

// GetOrParse returns the state of the image at img.Addr, registering and
// parsing img if no image is registered there yet. If a different image
// holds that address it returns ErrImageConflict.
func (r *Registry) GetOrParse(img Image) (*State, error) {
	e, loaded := r.images.LoadOrStore(img.Addr, r.newEntry("", img))
	if !loaded {
		r.updateGauge()
	} else if !e.Image.same(img) {
		return nil, errors.Wrapf(ErrImageConflict, "image at %#x", img.Addr)
	}
	return e.State()
}

// Unregister forgets the image at addr. It must be called before the
// image's memory goes away.
func (r *Registry) Unregister(addr uint64) bool {
	e, ok := r.images.LoadAndDelete(addr)
	if !ok {
		return false
	}
	r.updateGauge()
	level.Debug(r.logger).Log("msg", "image unregistered", "path", e.Path, "addr", fmt.Sprintf("%#x", addr))
	r.removed(e)
	return true
}

// OnUnregister adds fn to the functions called with each entry that leaves
// the registry.
func (r *Registry) OnUnregister(fn func(*Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

func (r *Registry) removed(e *Entry) {
	r.gen.Add(1)
	r.mu.Lock()
	hooks := r.onRemove
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
}

// Generation changes every time an entry leaves the registry.
func (r *Registry) Generation() uint64 {
	return r.gen.Load()
}

// Added implements Notifier.
func (r *Registry) Added(path string, img Image) {
	_, _ = r.Register(path, img)
}

// Removed implements Notifier.
func (r *Registry) Removed(addr uint64) {
	r.Unregister(addr)
}

// Lookup returns the entry registered at addr.
func (r *Registry) Lookup(addr uint64) (*Entry, bool) {
	return r.images.Load(addr)
}

// Path returns the path the image at addr was registered with.
func (r *Registry) Path(addr uint64) (string, bool) {
	e, ok := r.images.Load(addr)
	if !ok {
		return "", false
	}
	return e.Path, true
}

// Images returns the registered entries ordered by address.
func (r *Registry) Images() []*Entry {
	entries := make([]*Entry, 0, r.images.Size())
	r.images.Range(func(_ uint64, e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr < entries[j].Addr
	})
	return entries
}

// ImageNamed returns the lowest addressed entry whose path ends in name.
func (r *Registry) ImageNamed(name string) (*Entry, bool) {
	for _, e := range r.Images() {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// ResolveOwningImage finds the registered image with a segment containing
// addr. Images that failed to parse are never owners.
func (r *Registry) ResolveOwningImage(addr uint64) (*Entry, error) {
	for _, e := range r.Images() {
		s, err := e.State()
		if err != nil {
			continue
		}
		if s.Contains(addr) {
			return e, nil
		}
	}
	return nil, ErrAddressNotOwned
}
