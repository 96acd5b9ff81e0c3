/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import "io"

// New returns an empty Header ready for use.
func New() Header {
	return Header{fields: make(map[string][]string)}
}

func (h *Header) ensure() {
	if h.fields == nil {
		h.fields = make(map[string][]string)
	}
}

// Add adds the key, value pair to the header.
// It appends to any existing values associated with key and records
// key's arrival position the first time it is seen.
func (h *Header) Add(key, value string) {
	h.ensure()
	key = CanonicalHeaderKey(key)
	if _, seen := h.fields[key]; !seen {
		h.order = append(h.order, key)
	}
	h.fields[key] = append(h.fields[key], value)
}

// Set sets the header entries associated with key to
// the single element value. It replaces any existing
// values associated with key, keeping its original position
// in the declared order.
func (h *Header) Set(key, value string) {
	h.ensure()
	key = CanonicalHeaderKey(key)
	if _, seen := h.fields[key]; !seen {
		h.order = append(h.order, key)
	}
	h.fields[key] = []string{value}
}

// Get gets the first value associated with the given key.
// It is case insensitive; CanonicalHeaderKey is used
// to canonicalize the provided key.
// If there are no values associated with the key, Get returns "".
func (h Header) Get(key string) string {
	if h.fields == nil {
		return ""
	}
	v := h.fields[CanonicalHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values associated with the given key, in the
// order they were added.
func (h Header) Values(key string) []string {
	if h.fields == nil {
		return nil
	}
	return h.fields[CanonicalHeaderKey(key)]
}

// Has reports whether key has at least one value set.
func (h Header) Has(key string) bool {
	if h.fields == nil {
		return false
	}
	_, ok := h.fields[CanonicalHeaderKey(key)]
	return ok
}

// Del deletes the values associated with key.
func (h *Header) Del(key string) {
	if h.fields == nil {
		return
	}
	key = CanonicalHeaderKey(key)
	if _, ok := h.fields[key]; !ok {
		return
	}
	delete(h.fields, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of distinct header names.
func (h Header) Len() int { return len(h.order) }

// Keys returns the header names in declared order.
func (h Header) Keys() []string {
	keys := make([]string, len(h.order))
	copy(keys, h.order)
	return keys
}

// Clone returns a deep copy of h, preserving declared order.
func (h Header) Clone() Header {
	h2 := New()
	if h.fields == nil {
		return h2
	}
	h2.order = make([]string, len(h.order))
	copy(h2.order, h.order)
	h2.fields = make(map[string][]string, len(h.fields))
	for k, vv := range h.fields {
		vv2 := make([]string, len(vv))
		copy(vv2, vv)
		h2.fields[k] = vv2
	}
	return h2
}

// CopyFromHeader appends every value of src into h, preserving src's
// relative order for newly-seen keys.
func (h *Header) CopyFromHeader(src Header) {
	for _, key := range src.order {
		for _, v := range src.fields[key] {
			h.Add(key, v)
		}
	}
}

// Write writes the header in declared order, wire format.
func (h Header) Write(w io.Writer) error {
	return h.WriteSubset(w, nil)
}

// WriteSubset writes the header in declared order, wire format.
// If exclude is not nil, keys where exclude[key] == true are not written.
// Unlike net/http's Header.Write, entries are emitted in the order they
// were declared rather than sorted by key: the streaming response
// contract requires the application's declared header order to survive
// onto the wire.
func (h Header) WriteSubset(w io.Writer, exclude map[string]bool) error {
	ws, ok := w.(writeStringer)
	if !ok {
		ws = stringWriter{w}
	}
	for _, key := range h.order {
		if exclude != nil && exclude[key] {
			continue
		}
		for _, v := range h.fields[key] {
			v = HeaderNewlineToSpace.Replace(v)
			v = TrimString(v)
			for _, s := range [...]string{key, ": ", v, "\r\n"} {
				if _, err := ws.WriteString(s); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
