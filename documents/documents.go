// Package documents implements a versioned, localized document engine over
// a row store. One logical document, identified by a documentId, exists as
// multiple physical entry rows, one per (locale, status) cell; the engine's
// operations keep those rows, the relation links between them and the
// caller-facing query parameters consistent, with every mutation inside a
// single store transaction.
package documents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/verso-cms/core/events"
	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// DefaultLocale is assumed when a localized type is addressed without a
// locale.
const DefaultLocale = "en"

// Result is the outcome of a document-scope operation: the document it
// addressed and the entry rows it produced or removed.
type Result struct {
	DocumentID string            `json:"documentId"`
	Entries    []*rowstore.Entry `json:"entries"`
}

// CopyNonLocalized decides which fields travel when a draft is synthesized
// for a locale that has no version yet.
type CopyNonLocalized func(model *schema.Model, source map[string]any) map[string]any

// Service exposes the document operations. Safe for concurrent use.
type Service struct {
	store    rowstore.Store
	registry schema.Registry
	checker  Checker
	emitter  events.Emitter
	logger   *zap.Logger

	strictRaw        any
	defaultLocale    string
	allowedKeys      []string
	copyNonLocalized CopyNonLocalized
	shouldPropagate  ShouldPropagate
}

// Option configures a document Service.
type Option func(*Service)

// WithLogger sets the logger for the document service.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("DocumentService")
		}
	}
}

// WithEmitter routes lifecycle events to e. Events are emitted after the
// owning transaction commits.
func WithEmitter(e events.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithChecker replaces the schema-aware parameter checks.
func WithChecker(c Checker) Option {
	return func(s *Service) {
		if c != nil {
			s.checker = c
		}
	}
}

// WithStrictParams takes the configured strict-params value exactly as it
// arrived. Resolution happens per request, so a non-boolean setting surfaces
// as a validation error on the operation instead of failing construction.
func WithStrictParams(raw any) Option {
	return func(s *Service) { s.strictRaw = raw }
}

// WithDefaultLocale overrides the locale assumed for localized types when
// the caller supplies none.
func WithDefaultLocale(locale string) Option {
	return func(s *Service) {
		if locale != "" {
			s.defaultLocale = locale
		}
	}
}

// WithAllowedKeys registers extra root parameter keys that survive the
// strict-mode allowlist, for collaborators that tunnel route-specific
// parameters through.
func WithAllowedKeys(keys ...string) Option {
	return func(s *Service) { s.allowedKeys = append(s.allowedKeys, keys...) }
}

// WithCopyNonLocalized replaces the localization fan-out policy used when
// update synthesizes a draft for a new locale.
func WithCopyNonLocalized(fn CopyNonLocalized) Option {
	return func(s *Service) {
		if fn != nil {
			s.copyNonLocalized = fn
		}
	}
}

// WithShouldPropagate filters which incoming relation links are re-pointed
// when a set of rows is replaced. Links rejected by fn stay deleted.
func WithShouldPropagate(fn ShouldPropagate) Option {
	return func(s *Service) { s.shouldPropagate = fn }
}

// New builds a Service over a row store and a schema registry.
func New(store rowstore.Store, registry schema.Registry, opts ...Option) *Service {
	s := &Service{
		store:            store,
		registry:         registry,
		checker:          NewChecker(),
		emitter:          events.Nop{},
		logger:           zap.NewNop(),
		defaultLocale:    DefaultLocale,
		copyNonLocalized: copyNonLocalizedFields,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// prepare resolves the model and validates the caller parameters.
func (s *Service) prepare(ctx context.Context, kind string, p Params) (*schema.Model, Params, error) {
	model, err := s.registry.Get(kind)
	if err != nil {
		return nil, nil, err
	}
	validated, err := s.validateParams(ctx, model, p)
	if err != nil {
		return nil, nil, err
	}
	return model, validated, nil
}

// validateParams runs the structural pipeline and the schema-aware checks.
// The lookup rejection applies in both modes; the rest of the structural
// normalization is strict-mode only. Schema-aware checks always run, over a
// registry cache scoped to this one pass.
func (s *Service) validateParams(ctx context.Context, model *schema.Model, p Params) (Params, error) {
	strict, err := resolveStrict(s.strictRaw)
	if err != nil {
		return nil, err
	}
	steps := []transform{rejectLookup}
	if strict {
		steps = append(steps,
			restrictRootKeys(s.allowedKeys),
			normalizeStatus,
			normalizeLocale,
			normalizePagination,
		)
	}
	out, err := applyTransforms(p, steps...)
	if err != nil {
		return nil, err
	}
	cache := newModelCache(s.registry)
	defer cache.clear()
	if err := runCheckers(ctx, s.checker, cache, model, out); err != nil {
		return nil, err
	}
	return out, nil
}

// pending buffers lifecycle events during a transaction. They go out only
// after the commit, so subscribers never observe rolled-back state.
type pending struct {
	events []events.Event
}

func (p *pending) add(name string, e *rowstore.Entry) {
	p.events = append(p.events, events.Event{
		Name:       name,
		Kind:       e.Kind,
		DocumentID: e.DocumentID,
		Entry:      e,
		Timestamp:  time.Now(),
	})
}

func (s *Service) flush(ctx context.Context, p *pending) {
	for _, ev := range p.events {
		s.emitter.Emit(ctx, ev)
	}
}
