// Package psu keeps the PSU list attached to a consent or payment free of
// duplicates. Identities are compared by content, never by position or
// surrogate key.
package psu

import "qazna.org/xs2a/internal/domain"

// Find returns the entry of list that content-equals p.
func Find(list []domain.PsuIdData, p domain.PsuIdData) (domain.PsuIdData, bool) {
	for _, e := range list {
		if e.ContentEquals(p) {
			return e, true
		}
	}
	return domain.PsuIdData{}, false
}

// Contains reports whether list holds an entry content-equal to p.
func Contains(list []domain.PsuIdData, p domain.PsuIdData) bool {
	_, ok := Find(list, p)
	return ok
}

// Reconcile returns list with incoming merged in. When an equal entry exists it
// is returned unchanged, keeping the enrichment it already carries, and the
// list does not grow. Empty identities are never appended.
func Reconcile(list []domain.PsuIdData, incoming domain.PsuIdData) (out []domain.PsuIdData, entry domain.PsuIdData, added bool) {
	if existing, ok := Find(list, incoming); ok {
		return list, existing, false
	}
	if incoming.IsEmpty() {
		return list, incoming, false
	}
	out = make([]domain.PsuIdData, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, incoming)
	return out, incoming, true
}

// Verify reports whether incoming may act on an object owning list. An object
// without PSUs accepts anyone; otherwise the PSU must already be listed.
func Verify(list []domain.PsuIdData, incoming domain.PsuIdData) bool {
	if len(nonEmpty(list)) == 0 {
		return true
	}
	return Contains(list, incoming)
}

// SameSet reports whether a and b hold the same identities regardless of order.
func SameSet(a, b []domain.PsuIdData) bool {
	a, b = nonEmpty(a), nonEmpty(b)
	if len(a) != len(b) {
		return false
	}
	for _, p := range a {
		if !Contains(b, p) {
			return false
		}
	}
	for _, p := range b {
		if !Contains(a, p) {
			return false
		}
	}
	return true
}

func nonEmpty(list []domain.PsuIdData) []domain.PsuIdData {
	var out []domain.PsuIdData
	for _, p := range list {
		if !p.IsEmpty() {
			out = append(out, p)
		}
	}
	return out
}
