package types

import (
	"fmt"
	"strings"
)

// HeaderKind discriminates the variants of a HeaderValue.
type HeaderKind int

const (
	// HeaderScalar is a single string value.
	HeaderScalar HeaderKind = iota
	// HeaderList is an ordered sequence of strings.
	HeaderList
	// HeaderOpaque is any other value, passed through unchanged.
	HeaderOpaque
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderScalar:
		return "scalar"
	case HeaderList:
		return "list"
	default:
		return "opaque"
	}
}

// HeaderValue is a tagged variant over {scalar, list, opaque}. Only the field
// matching Kind is meaningful.
type HeaderValue struct {
	Kind   HeaderKind
	Scalar string
	List   []string
	Opaque any
}

// ScalarHeader builds a scalar header value.
func ScalarHeader(s string) HeaderValue { return HeaderValue{Kind: HeaderScalar, Scalar: s} }

// ListHeader builds a list header value.
func ListHeader(values []string) HeaderValue { return HeaderValue{Kind: HeaderList, List: values} }

// OpaqueHeader builds a pass-through header value.
func OpaqueHeader(v any) HeaderValue { return HeaderValue{Kind: HeaderOpaque, Opaque: v} }

// Value returns the underlying Go value of the variant.
func (v HeaderValue) Value() any {
	switch v.Kind {
	case HeaderScalar:
		return v.Scalar
	case HeaderList:
		return v.List
	default:
		return v.Opaque
	}
}

// String renders the value for transports that only carry string attributes.
// Lists are comma joined.
func (v HeaderValue) String() string {
	switch v.Kind {
	case HeaderScalar:
		return v.Scalar
	case HeaderList:
		return strings.Join(v.List, ",")
	default:
		if v.Opaque == nil {
			return ""
		}
		return fmt.Sprint(v.Opaque)
	}
}

// Header is a single key/value pair attached to a record.
type Header struct {
	Key   string
	Value HeaderValue
}

// Headers is an ordered header set. Keys are not required to be unique;
// lookups return the last match.
type Headers []Header

// Get returns the last header with the given key.
func (h Headers) Get(key string) (HeaderValue, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Key == key {
			return h[i].Value, true
		}
	}
	return HeaderValue{}, false
}

// DeliveryTag extracts the delivery tag header.
func (h Headers) DeliveryTag() (uint64, bool) {
	v, ok := h.Get(HeaderDeliveryTag)
	if !ok || v.Kind != HeaderOpaque {
		return 0, false
	}
	tag, ok := v.Opaque.(uint64)
	return tag, ok
}

// Count returns how many headers have the given key.
func (h Headers) Count(key string) int {
	n := 0
	for _, hdr := range h {
		if hdr.Key == key {
			n++
		}
	}
	return n
}
