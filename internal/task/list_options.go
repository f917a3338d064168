package task

import "strings"

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByIDAsc orders tasks by identifier ascending.
	SortByIDAsc SortOrder = iota
	// SortByIDDesc orders tasks by identifier descending.
	SortByIDDesc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit       int
	Offset      int
	Target      string
	HasResolver *bool
	Order       SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByIDDesc {
		opts.Order = SortByIDAsc
	}
	opts.Target = strings.TrimSpace(opts.Target)
}

// Normalized returns a sanitized copy, for store implementations outside this package.
func (opts ListOptions) Normalized() ListOptions {
	opts.applyDefaults()
	return opts
}

// Matches reports whether the task passes the filters.
func (opts ListOptions) Matches(t *Task) bool {
	if t == nil {
		return false
	}
	if opts.Target != "" && t.Target != opts.Target {
		return false
	}
	if opts.HasResolver != nil && t.HasResolver() != *opts.HasResolver {
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithTarget filters tasks by their target identity.
func WithTarget(target string) ListOption {
	return func(opts *ListOptions) {
		opts.Target = target
	}
}

// WithResolverPresence filters tasks by whether they are gated by a resolver.
func WithResolverPresence(hasResolver bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResolver = new(bool)
		*opts.HasResolver = hasResolver
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}
