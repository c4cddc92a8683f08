// Package route stores the mapping from an HTTP verb and a literal path to a handler.
//
// A Registry is filled once at startup and only read afterwards, so lookups
// take no lock. Writes must complete before the registry is handed to the
// goroutines serving requests.
package route

import (
	"sort"
)

// Entry is one registered route.
type Entry[H any] struct {
	Verb    string
	Path    string
	Handler H
}

// Registry is a two-level map: verb -> path -> handler.
type Registry[H any] struct {
	routes map[string]map[string]H
}

// New creates an empty registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{routes: make(map[string]map[string]H)}
}

// AddRoute registers handler under (verb, path). Registering the same pair
// twice overwrites the earlier handler.
func (r *Registry[H]) AddRoute(verb, path string, handler H) {
	paths, ok := r.routes[verb]
	if !ok {
		paths = make(map[string]H)
		r.routes[verb] = paths
	}
	paths[path] = handler
}

// FindHandler returns the handler for (verb, path), if any.
func (r *Registry[H]) FindHandler(verb, path string) (H, bool) {
	h, ok := r.routes[verb][path]
	return h, ok
}

// AllFor returns every route registered for verb, sorted by path.
func (r *Registry[H]) AllFor(verb string) []Entry[H] {
	paths := r.routes[verb]
	entries := make([]Entry[H], 0, len(paths))
	for path, h := range paths {
		entries = append(entries, Entry[H]{Verb: verb, Path: path, Handler: h})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// All returns every registered route, sorted by verb then path.
func (r *Registry[H]) All() []Entry[H] {
	verbs := make([]string, 0, len(r.routes))
	for verb := range r.routes {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	var entries []Entry[H]
	for _, verb := range verbs {
		entries = append(entries, r.AllFor(verb)...)
	}
	return entries
}

// Len returns the number of registered routes.
func (r *Registry[H]) Len() int {
	n := 0
	for _, paths := range r.routes {
		n += len(paths)
	}
	return n
}
