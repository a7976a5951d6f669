// Package sqlbind rewrites SQL with named bind placeholders (:name) into the
// ordinal placeholder form ($1, $2, ...) expected by the Postgres driver,
// together with the ordered argument list.
package sqlbind

import (
	"fmt"
	"regexp"
	"strconv"
)

// Placeholders are :name tokens. The leading group keeps Postgres casts
// (::type) from being treated as placeholders.
var placeholderRe = regexp.MustCompile(`(^|[^:]):([a-zA-Z_][a-zA-Z0-9_]*)`)

// Rebind converts named placeholders in query to $n ordinals and returns the
// rewritten query plus the ordered arguments. A repeated name is bound to a
// single ordinal. A placeholder without a matching parameter is an error; an
// unused parameter is ignored.
func Rebind(query string, params map[string]any) (string, []any, error) {
	ordinals := make(map[string]int)
	args := make([]any, 0, len(params))
	var missing string

	rebound := placeholderRe.ReplaceAllStringFunc(query, func(match string) string {
		m := placeholderRe.FindStringSubmatch(match)
		prefix, name := m[1], m[2]

		n, seen := ordinals[name]
		if !seen {
			value, ok := params[name]
			if !ok {
				if missing == "" {
					missing = name
				}
				return match
			}
			args = append(args, value)
			n = len(args)
			ordinals[name] = n
		}
		return prefix + "$" + strconv.Itoa(n)
	})

	if missing != "" {
		return "", nil, fmt.Errorf("no value for bind parameter :%s", missing)
	}
	return rebound, args, nil
}
