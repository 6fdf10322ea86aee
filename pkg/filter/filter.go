// Package filter builds the query parameters for one page request of one
// window.
package filter

import (
	"maps"
	"net/url"
	"slices"
	"strconv"

	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/window"
)

const (
	// MinPageSize and MaxPageSize are the limits Stripe accepts for "limit".
	MinPageSize = 1
	MaxPageSize = 100
)

// Filter is the request for one window. It is a value: building it has no
// side effects and pages of the same window share it.
type Filter struct {
	Entity    catalog.Entity
	TimeRange window.Window
	// EventTypes is empty for snapshot reads.
	EventTypes []string
	PageSize   int
	// Params are resource-specific listing overrides.
	Params map[string]string
	// TimeField is the field the time range applies to.
	TimeField string
}

// Build returns the filter for reading resource d in mode m over window w.
func Build(d catalog.Descriptor, m catalog.Mode, w window.Window, pageSize int) (Filter, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return Filter{}, errors.Newf(errors.ErrorTypeConfig, "page size must be between %d and %d, got %d",
			MinPageSize, MaxPageSize, pageSize).WithDetail("page_size", pageSize)
	}
	if w.Start >= w.End {
		return Filter{}, errors.Newf(errors.ErrorTypeConfig, "empty window %s", w).
			WithDetail("resource", d.Name)
	}

	timeField := d.ReplicationKey
	if timeField == "" {
		timeField = catalog.DefaultReplicationKey
	}

	switch m {
	case catalog.ModeIncremental:
		if d.Immutable {
			if !d.HasSnapshot() {
				return Filter{}, noSnapshot(d)
			}
			return Filter{
				Entity:    d.SnapshotEntity,
				TimeRange: w,
				PageSize:  pageSize,
				TimeField: timeField,
			}, nil
		}
		if len(d.EventPatterns) == 0 {
			return Filter{}, errors.Newf(errors.ErrorTypeConfig, "resource %s has no event patterns for incremental replication", d.Name).
				WithDetail("resource", d.Name)
		}
		return Filter{
			Entity:     catalog.EventsEntity,
			TimeRange:  w,
			EventTypes: slices.Clone(d.EventPatterns),
			PageSize:   pageSize,
			TimeField:  catalog.DefaultReplicationKey,
		}, nil

	case catalog.ModeFullTable:
		if !d.HasSnapshot() {
			return Filter{}, noSnapshot(d)
		}
		return Filter{
			Entity:    d.SnapshotEntity,
			TimeRange: w,
			PageSize:  pageSize,
			Params:    maps.Clone(d.Params),
			TimeField: timeField,
		}, nil
	}

	return Filter{}, errors.Newf(errors.ErrorTypeInvalidMode, "invalid replication mode %q", string(m)).
		WithDetail("resource", d.Name)
}

func noSnapshot(d catalog.Descriptor) error {
	return errors.Newf(errors.ErrorTypeConfig, "resource %s has no snapshot entity", d.Name).
		WithDetail("resource", d.Name)
}

// Values renders the filter as Stripe list query parameters, without the
// continuation cursor.
func (f Filter) Values() url.Values {
	field := f.TimeField
	if field == "" {
		field = catalog.DefaultReplicationKey
	}

	v := url.Values{}
	v.Set(field+"[gte]", strconv.FormatInt(f.TimeRange.Start, 10))
	v.Set(field+"[lt]", strconv.FormatInt(f.TimeRange.End, 10))
	v.Set("limit", strconv.Itoa(f.PageSize))
	// Only the singular type parameter accepts a wildcard.
	if len(f.EventTypes) == 1 {
		v.Set("type", f.EventTypes[0])
	} else {
		for _, t := range f.EventTypes {
			v.Add("types[]", t)
		}
	}
	for k, val := range f.Params {
		v.Set(k, val)
	}
	return v
}
