// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"

	"goji.io"
)

// RouteTable maps goji patterns to http handlers
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind attaches every route in the table to the mux
func (rt RouteTable) Bind(m *goji.Mux) {
	for ptrn, handler := range rt {
		m.HandleFunc(ptrn, handler)
	}
}

// Endpoints lists the patterns in the table
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, fmt.Sprint(k))
	}
	return routes
}

// HTTPer is an object which exposes a route table of its HTTP bindings
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a struct with a single F64 field, used for HTTP responses
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field, used for HTTP responses
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field, used for HTTP responses
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field, used for HTTP responses
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct that encodes a human-readable result of an
// operation.  T tells which of the other fields is populated.
type HumanPayload struct {
	// T is the type of the payload
	T types.BasicKind

	// Bool holds a binary value
	Bool bool

	// Int holds an integer value
	Int int

	// Float holds a floating point value
	Float float64

	// String holds a text value
	String string
}

// EncodeAndRespond writes the payload as JSON to the response writer
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	default:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	}
	if err != nil {
		log.Println("error encoding response payload:", err)
	}
}
