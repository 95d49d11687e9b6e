package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/internal/pool"
	"github.com/brandon/outlook-mcp/internal/ratelimit"
)

// maxAdapterAttempts bounds handler-level retries: the first call plus at
// most two retries for transient failures.
const maxAdapterAttempts = 3

// Deps carries everything handlers need. Tests construct one with fakes.
type Deps struct {
	Config  *config.Config
	Pool    *pool.Pool
	Limiter *ratelimit.Limiter
	Cache   *cache.Cache
	Logger  *logrus.Logger

	// Sanitizer is an optional collaborator applied to body_html when
	// SECURITY_SANITIZE_HTML is set. The core ships none.
	Sanitizer func(string) string
}

// HandlerFunc executes one method with validated-by-itself params.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *fault.Fault)

// Registry owns the method table. Handlers never call each other; shared
// logic lives in non-handler helpers on the registry.
type Registry struct {
	deps     Deps
	handlers map[string]HandlerFunc
	prefetch *prefetcher
}

// NewRegistry wires the six operations.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:     deps,
		handlers: make(map[string]HandlerFunc),
	}
	if deps.Config.Cache.Prefetch {
		r.prefetch = newPrefetcher(r, deps.Config.Cache.PrefetchTopN, deps.Logger)
	}

	r.handlers["get_folders"] = r.GetFolders
	r.handlers["list_inbox_emails"] = r.ListInboxEmails
	r.handlers["list_emails"] = r.ListEmails
	r.handlers["get_email"] = r.GetEmail
	r.handlers["search_emails"] = r.SearchEmails
	r.handlers["send_email"] = r.SendEmail

	deps.Logger.WithField("count", len(r.handlers)).Debug("Registered method handlers")
	return r
}

// Lookup returns the handler for a method name.
func (r *Registry) Lookup(method string) (HandlerFunc, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// Methods lists the registered method names.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Close stops background workers.
func (r *Registry) Close() {
	if r.prefetch != nil {
		r.prefetch.close()
	}
}

// callAdapter runs one adapter operation behind admission, the pool and the
// retry policy. Only transient failures retry, and only within the request
// deadline.
func (r *Registry) callAdapter(ctx context.Context, op string, fn func(context.Context, adapter.MailAdapter) error) *fault.Fault {
	if f := r.deps.Limiter.Admit(ctx, CallerFrom(ctx)); f != nil {
		return f
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.RandomizationFactor = 0.2

	var last *fault.Fault
	for attempt := 1; attempt <= maxAdapterAttempts; attempt++ {
		h, err := r.deps.Pool.Acquire(ctx)
		if err != nil {
			return fault.From(err)
		}

		last = r.invoke(ctx, h, op, fn)
		if last == nil {
			return nil
		}
		if !last.Retryable() || attempt == maxAdapterAttempts {
			return last
		}

		wait := bo.NextBackOff()
		r.deps.Logger.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"backoff":   wait.String(),
		}).Warn("Retrying transient adapter failure")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fault.Timeout(op, 0)
		}
	}
	return last
}

// invoke runs the operation on a borrowed handle under the request
// deadline. A deadline hit releases the handle with a timeout outcome (the
// pool retires it, which interrupts a stuck store call by closing the
// connection) and the goroutine is left to drain.
func (r *Registry) invoke(ctx context.Context, h *pool.Handle, op string, fn func(context.Context, adapter.MailAdapter) error) *fault.Fault {
	done := make(chan *fault.Fault, 1)
	go func() {
		done <- fault.From(fn(ctx, h.Adapter))
	}()

	select {
	case f := <-done:
		outcome := pool.OutcomeOK
		if f != nil && (f.Kind == fault.KindUnavailable || f.Kind == fault.KindTransient) {
			outcome = pool.OutcomeFailure
		}
		r.deps.Pool.Release(h, outcome)
		return f
	case <-ctx.Done():
		r.deps.Pool.Release(h, pool.OutcomeTimeout)
		go func() { <-done }()
		seconds := 0.0
		if dl, ok := ctx.Deadline(); ok {
			seconds = time.Until(dl).Seconds()
			if seconds < 0 {
				seconds = 0
			}
		}
		return fault.Timeout(op, seconds)
	}
}

// decodeParams fills dst from raw params. Unknown input fields are ignored
// but logged; a shape mismatch is a validation error.
func (r *Registry) decodeParams(method string, raw json.RawMessage, dst interface{}, known ...string) *fault.Fault {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fault.Wrap(fault.KindInvalidParams, err, "invalid parameters for "+method)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return fault.Wrap(fault.KindInvalidParams, err, "parameters must be an object")
	}
	for name := range all {
		if !contains(known, name) {
			r.deps.Logger.WithFields(logrus.Fields{
				"method": method,
				"field":  name,
			}).Warn("Ignoring unknown parameter")
		}
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller tags the context with a transport-assigned caller identity for
// per-caller rate limiting.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller identity, if the transport set one.
func CallerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok {
		return v
	}
	return ""
}

// folderPermitted applies the allow/block folder lists to a folder name or
// path. An empty allow list permits everything not blocked.
func (r *Registry) folderPermitted(folder string) bool {
	sec := r.deps.Config.Security
	for _, blocked := range sec.BlockedFolders {
		if strings.EqualFold(folder, blocked) {
			return false
		}
	}
	if len(sec.AllowedFolders) == 0 {
		return true
	}
	for _, allowed := range sec.AllowedFolders {
		if strings.EqualFold(folder, allowed) {
			return true
		}
	}
	return false
}
