// Package address defines the endpoint type passed from a resolver to a
// load balancer: a host:port string plus an open set of typed attributes.
package address

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Attributes is an immutable bag of typed key/value pairs attached to a
// BalancerAddress (e.g. a host override, a weight, a locality label). The
// zero value is an empty bag. Keys are compared with ==, so they should be
// comparable types (typically unexported struct types used as namespaced
// keys, following the convention of context.Context keys).
type Attributes struct {
	m map[any]any
}

// New returns a new Attributes built from alternating key/value pairs. It
// panics if an odd number of arguments is given.
func New(kvs ...any) *Attributes {
	if len(kvs)%2 != 0 {
		panic("address: New called with an odd number of arguments")
	}
	if len(kvs) == 0 {
		return nil
	}
	a := &Attributes{m: make(map[any]any, len(kvs)/2)}
	for i := 0; i < len(kvs); i += 2 {
		a.m[kvs[i]] = kvs[i+1]
	}
	return a
}

// WithValue returns a new Attributes containing all key/value pairs of a
// plus (key, value). It does not mutate a. a may be nil.
func (a *Attributes) WithValue(key, value any) *Attributes {
	n := &Attributes{m: make(map[any]any, a.Len()+1)}
	if a != nil {
		for k, v := range a.m {
			n.m[k] = v
		}
	}
	n.m[key] = value
	return n
}

// Value returns the value associated with key, or nil if absent or a is nil.
func (a *Attributes) Value(key any) any {
	if a == nil {
		return nil
	}
	return a.m[key]
}

// Len returns the number of key/value pairs in a. A nil Attributes has
// length 0.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.m)
}

// Equal reports whether a and o hold the same set of keys with
// reflect.DeepEqual-equal values, or an Equal(any) bool method when a
// value implements one (so attribute types can define cheaper or
// semantically correct equality).
func (a *Attributes) Equal(o *Attributes) bool {
	if a.Len() != o.Len() {
		return false
	}
	if a.Len() == 0 {
		return true
	}
	for k, v := range a.m {
		ov, ok := o.m[k]
		if !ok {
			return false
		}
		if eq, ok := v.(interface{ Equal(any) bool }); ok {
			if !eq.Equal(ov) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// String returns the attributes sorted by their %v key representation, for
// stable logging and test output.
func (a *Attributes) String() string {
	if a.Len() == 0 {
		return "{}"
	}
	type pair struct {
		key string
		val any
	}
	pairs := make([]pair, 0, len(a.m))
	for k, v := range a.m {
		pairs = append(pairs, pair{key: fmt.Sprintf("%v", k), val: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", p.key, p.val)
	}
	b.WriteByte('}')
	return b.String()
}

// BalancerAddress is an endpoint (host:port) plus an open attribute bag,
// as produced by a Resolver and consumed by a LoadBalancer.
type BalancerAddress struct {
	// Endpoint is the dial target, e.g. "10.0.0.1:443".
	Endpoint string

	// Attributes carries balancer- or resolver-specific metadata (e.g. a
	// TLS ServerName override, a weight, a locality). May be nil.
	Attributes *Attributes
}

// Equal reports whether a and b have the same endpoint and
// attribute-bag-deep-equal attributes.
func (a BalancerAddress) Equal(b BalancerAddress) bool {
	return a.Endpoint == b.Endpoint && a.Attributes.Equal(b.Attributes)
}

// String implements fmt.Stringer for logging.
func (a BalancerAddress) String() string {
	if a.Attributes.Len() == 0 {
		return a.Endpoint
	}
	return a.Endpoint + " " + a.Attributes.String()
}

// EqualSlices reports whether two address lists contain the same addresses
// in the same order.
func EqualSlices(a, b []BalancerAddress) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
