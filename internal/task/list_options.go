package task

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByCreatedDesc orders tasks by CreatedAt descending (newest first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders tasks by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls which tasks are returned by Registry.List.
// A zero Limit returns every matching task.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	SessionID    string
	CreatedSince time.Time
	CreatedUntil time.Time
	Order        SortOrder
	Query        string
}

// applyDefaults sanitizes the options.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

// matches reports whether the task passes every filter.
func (opts *ListOptions) matches(t *Task) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, s := range opts.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.SessionID != "" && t.SessionID != opts.SessionID {
		return false
	}
	if !opts.CreatedSince.IsZero() && t.CreatedAt.Before(opts.CreatedSince) {
		return false
	}
	if !opts.CreatedUntil.IsZero() && t.CreatedAt.After(opts.CreatedUntil) {
		return false
	}
	if opts.Query != "" && !strings.Contains(strings.ToLower(t.Topic), opts.Query) {
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

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSession filters tasks that belong to the given session.
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) {
		opts.SessionID = sessionID
	}
}

// WithCreatedSince filters tasks created at or after the provided instant.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedSince = ts
	}
}

// WithCreatedUntil filters tasks created at or before the provided instant.
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedUntil = ts
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters tasks whose topic contains the query, case-insensitively.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
