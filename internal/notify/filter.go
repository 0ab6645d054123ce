package notify

import (
	"slices"
	"strings"

	"pimstore/internal/pim"
)

// Filter selects the events a subscriber receives. Each non-empty dimension
// must match; an empty dimension matches everything.
type Filter struct {
	// Collections matches events inside the subtree of any listed
	// collection, including events about the collection itself.
	Collections []int64

	// MimeTypes matches events whose mime type is listed. Collection
	// events carry pim.CollectionMimeType.
	MimeTypes []string

	// Resources matches events about entities owned by a listed resource.
	Resources []string

	// IgnoreSession suppresses events caused by this session, so an agent
	// is not told about its own changes.
	IgnoreSession string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *pim.ChangeEvent) bool {
	if f.IgnoreSession != "" && ev.SessionID == f.IgnoreSession {
		return false
	}
	if len(f.MimeTypes) > 0 && !slices.ContainsFunc(f.MimeTypes, func(m string) bool {
		return strings.EqualFold(m, ev.MimeType)
	}) {
		return false
	}
	if len(f.Resources) > 0 && !slices.Contains(f.Resources, ev.Resource) {
		return false
	}
	if len(f.Collections) > 0 && !slices.ContainsFunc(f.Collections, func(id int64) bool {
		return inSubtree(ev, id)
	}) {
		return false
	}
	return true
}

// inSubtree reports whether ev concerns collection id or anything below it,
// before or after a move.
func inSubtree(ev *pim.ChangeEvent, id int64) bool {
	if ev.Kind == pim.KindCollection && ev.ID == id {
		return true
	}
	if id == pim.RootID {
		return true
	}
	if ev.ParentID == id || (ev.Operation == pim.OpMove && ev.SourceParentID == id) {
		return true
	}
	return slices.Contains(ev.Ancestors, id)
}
