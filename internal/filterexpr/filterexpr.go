// Package filterexpr translates the JSON array-based filter expression
// language into parameterized SQL predicates.
//
// The supported dialect is the single-clause form: a JSON array containing
// exactly one 3-element array [column, operator, value]. The column name is
// quoted into the generated identifier with embedded quotes doubled, the
// value is always passed
// through a named bind parameter, never interpolated. The operator allow-list
// is the security boundary; anything not on it is rejected before reaching
// SQL.
package filterexpr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mapgate/facetsearch/internal/domain"
)

// Expression is a compiled filter: a SQL boolean clause with named bind
// placeholders and the matching parameter map. Every placeholder in the
// clause has exactly one entry in Params.
type Expression struct {
	Clause string
	Params map[string]any

	// Column is the parsed column name of the first clause, surfaced for
	// callers that use it as the result identifier field.
	Column string
}

// ParseError describes a rejected filter expression. It unwraps to
// domain.ErrInvalidFilter so transports can map it to a 400 response.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func (e *ParseError) Unwrap() error { return domain.ErrInvalidFilter }

// allowedOps is the operator allow-list. Never extend it without validating
// the new operator against identifier-safe SQL.
var allowedOps = map[string]struct{}{
	"=": {},
}

// Compile parses and validates a serialized filter expression.
func Compile(raw []byte) (Expression, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var filterArray []json.RawMessage
	if err := dec.Decode(&filterArray); err != nil {
		return Expression{}, &ParseError{Reason: "Invalid filter expression"}
	}
	if len(filterArray) == 0 {
		return Expression{}, &ParseError{Reason: "Empty expression"}
	}
	if len(filterArray) != 1 {
		return Expression{}, &ParseError{Reason: "Invalid filter expression"}
	}

	var expr []json.RawMessage
	if err := json.Unmarshal(filterArray[0], &expr); err != nil || len(expr) != 3 {
		return Expression{}, &ParseError{Reason: "Incorrect number of entries in filter expression"}
	}

	var column string
	if err := json.Unmarshal(expr[0], &column); err != nil {
		return Expression{}, &ParseError{Reason: "Invalid column name"}
	}

	var opRaw string
	if err := json.Unmarshal(expr[1], &opRaw); err != nil {
		return Expression{}, &ParseError{Reason: "Invalid operator"}
	}
	op := strings.ToUpper(strings.TrimSpace(opRaw))
	if _, ok := allowedOps[op]; !ok {
		return Expression{}, &ParseError{Reason: "Invalid operator"}
	}

	value, err := decodeValue(expr[2])
	if err != nil {
		return Expression{}, &ParseError{Reason: "Invalid value"}
	}

	if value == nil {
		// Bind parameters cannot express IS NULL; emit the literal form.
		return Expression{
			Clause: pq.QuoteIdentifier(column) + " IS NULL",
			Params: map[string]any{},
			Column: column,
		}, nil
	}

	return Expression{
		Clause: fmt.Sprintf(`%s %s :v0`, pq.QuoteIdentifier(column), op),
		Params: map[string]any{"v0": value},
		Column: column,
	}, nil
}

// decodeValue accepts integers, floats, strings and null. Objects, arrays
// and booleans are rejected.
func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	if string(trimmed) == "null" {
		return nil, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case '{', '[', 't', 'f':
		return nil, fmt.Errorf("unsupported value type")
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return nil, err
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// And returns a new expression with an additional "column = value" clause
// ANDed in through a bound parameter named name.
func (e Expression) And(column, name string, value any) Expression {
	params := make(map[string]any, len(e.Params)+1)
	for k, v := range e.Params {
		params[k] = v
	}
	params[name] = value
	return Expression{
		Clause: fmt.Sprintf(`%s AND %s = :%s`, e.Clause, pq.QuoteIdentifier(column), name),
		Params: params,
		Column: e.Column,
	}
}
