/*
Package query implements the REST query protocol of the emulated platform.

Query-string directives are parsed once at the request boundary into a
Directives value with a closed operator type. Applying directives to a row
list is a pure function and entirely independent of identity and policy:
filters narrow, order sorts, offset and limit slice, select projects.
*/
package query

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/caselight/sandbase/core/store"
)

// Operator is one of the supported filter comparison operators
type Operator string

// all supported filter operators
const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpGte     Operator = "gte"
	OpLte     Operator = "lte"
	OpLike    Operator = "like"
	OpILike   Operator = "ilike"
	OpIs      Operator = "is"
	OpIn      Operator = "in"
	OpUnknown Operator = ""
)

// Filter is one parsed filter directive of the form column=operator.value.
// A filter with an unrecognized operator matches every row; this permissive
// fallback is part of the emulated protocol.
type Filter struct {
	Column   string
	Op       Operator
	Value    string
	elements []string       // parsed list for the in operator
	pattern  *regexp.Regexp // compiled wildcard pattern for like and ilike
}

// OrderKey is one key of a multi-key sort directive
type OrderKey struct {
	Column     string
	Descending bool
}

// Directives is the parsed form of all query parameters of a request
type Directives struct {
	Filters []Filter
	Order   []OrderKey
	Select  []string // nil selects all columns
	Limit   int      // -1 means no limit
	Offset  int
}

// Parse extracts all query directives from the given URL parameters. Every
// non-reserved parameter is parsed as a filter directive.
func Parse(values url.Values) Directives {
	directives := Directives{Limit: -1}
	for key, array := range values {
		if len(array) == 0 {
			continue
		}
		value := array[0]
		// select, order, limit and offset are reserved parameter names,
		// everything else is a column filter
		switch key {
		case "select":
			if value != "" && value != "*" {
				directives.Select = strings.Split(value, ",")
			}
		case "order":
			for _, part := range strings.Split(value, ",") {
				if part == "" {
					continue
				}
				orderKey := OrderKey{Column: part}
				if i := strings.IndexRune(part, '.'); i >= 0 {
					orderKey.Column = part[:i]
					orderKey.Descending = part[i+1:] == "desc"
				}
				directives.Order = append(directives.Order, orderKey)
			}
		case "limit":
			if limit, err := strconv.Atoi(value); err == nil && limit >= 0 {
				directives.Limit = limit
			}
		case "offset":
			if offset, err := strconv.Atoi(value); err == nil && offset > 0 {
				directives.Offset = offset
			}
		default:
			directives.Filters = append(directives.Filters, parseFilter(key, value))
		}
	}
	return directives
}

func parseFilter(column, raw string) Filter {
	filter := Filter{Column: column, Op: OpUnknown, Value: raw}
	i := strings.IndexRune(raw, '.')
	if i < 0 {
		return filter
	}
	op := Operator(raw[:i])
	value := raw[i+1:]
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpIs:
		filter.Op = op
		filter.Value = value
	case OpLike, OpILike:
		filter.Op = op
		filter.Value = value
		filter.pattern = compileWildcard(value, op == OpILike)
	case OpIn:
		filter.Op = op
		filter.Value = value
		filter.elements = parseInList(value)
	}
	return filter
}

// compileWildcard translates a pattern where both % and * match any sequence
// into a regular expression anchored at both ends.
func compileWildcard(value string, caseInsensitive bool) *regexp.Regexp {
	var builder strings.Builder
	if caseInsensitive {
		builder.WriteString("(?i)")
	}
	builder.WriteString("^")
	for _, r := range value {
		if r == '%' || r == '*' {
			builder.WriteString(".*")
		} else {
			builder.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	builder.WriteString("$")
	pattern, err := regexp.Compile(builder.String())
	if err != nil {
		return nil
	}
	return pattern
}

// parseInList parses a parenthesized comma-separated list. Elements are
// split on raw commas; quoted commas are not honored, faithful to the
// emulated platform.
func parseInList(value string) []string {
	value = strings.TrimPrefix(value, "(")
	value = strings.TrimSuffix(value, ")")
	var elements []string
	for _, element := range strings.Split(value, ",") {
		element = strings.Trim(element, `"`)
		element = strings.Trim(element, `'`)
		elements = append(elements, element)
	}
	return elements
}

// Match returns true if the row satisfies the filter
func (f Filter) Match(row store.Record) bool {
	cell, present := row[f.Column]
	switch f.Op {
	case OpEq:
		return stringify(cell) == f.Value
	case OpNeq:
		return stringify(cell) != f.Value
	case OpGt, OpLt, OpGte, OpLte:
		cellNumber, cellOK := toNumber(cell)
		valueNumber, valueOK := toNumber(f.Value)
		if !cellOK || !valueOK {
			return false
		}
		switch f.Op {
		case OpGt:
			return cellNumber > valueNumber
		case OpLt:
			return cellNumber < valueNumber
		case OpGte:
			return cellNumber >= valueNumber
		default:
			return cellNumber <= valueNumber
		}
	case OpLike, OpILike:
		if f.pattern == nil {
			return false
		}
		return f.pattern.MatchString(stringify(cell))
	case OpIs:
		switch f.Value {
		case "null":
			return !present || cell == nil
		case "true":
			return cell == true
		case "false":
			return cell == false
		}
		return false
	case OpIn:
		cellString := stringify(cell)
		for _, element := range f.elements {
			if cellString == element {
				return true
			}
		}
		return false
	}
	// unrecognized operators are a no-op filter
	return true
}

// Match returns true if the row satisfies all filter directives
func (d Directives) Match(row store.Record) bool {
	for _, filter := range d.Filters {
		if !filter.Match(row) {
			return false
		}
	}
	return true
}

// Apply transforms the row list according to the directives: filter, then
// order, then offset and limit, then projection. The input slice is not
// modified.
func (d Directives) Apply(rows []store.Record) []store.Record {
	result := []store.Record{}
	for _, row := range rows {
		if d.Match(row) {
			result = append(result, row)
		}
	}

	// stable multi-key sort, last key first so that earlier keys dominate
	for i := len(d.Order) - 1; i >= 0; i-- {
		sortByKey(result, d.Order[i])
	}

	if d.Offset > 0 {
		if d.Offset >= len(result) {
			result = []store.Record{}
		} else {
			result = result[d.Offset:]
		}
	}
	if d.Limit >= 0 && d.Limit < len(result) {
		result = result[:d.Limit]
	}

	if d.Select != nil {
		projected := make([]store.Record, len(result))
		for i, row := range result {
			record := store.Record{}
			for _, column := range d.Select {
				if value, ok := row[column]; ok {
					record[column] = value
				}
			}
			projected[i] = record
		}
		result = projected
	}
	return result
}

// sortByKey sorts rows by one order key. Rows with a null or absent value
// for the key always sort after rows with a present value, regardless of
// direction.
func sortByKey(rows []store.Record, key OrderKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, aPresent := rows[i][key.Column]
		b, bPresent := rows[j][key.Column]
		aPresent = aPresent && a != nil
		bPresent = bPresent && b != nil
		if !aPresent && !bPresent {
			return false
		}
		if !aPresent {
			return false
		}
		if !bPresent {
			return true
		}
		less := compareCells(a, b)
		if key.Descending {
			return less > 0
		}
		return less < 0
	})
}

// compareCells compares two cell values, numerically if both are numbers and
// lexicographically on the stringified values otherwise.
func compareCells(a, b any) int {
	aNumber, aOK := toNumber(a)
	bNumber, bOK := toNumber(b)
	if aOK && bOK {
		switch {
		case aNumber < bNumber:
			return -1
		case aNumber > bNumber:
			return 1
		}
		return 0
	}
	return strings.Compare(stringify(a), stringify(b))
}

// stringify renders a cell value the way the protocol compares it
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// toNumber converts a cell or filter value to a number for the numeric
// comparison operators. Values that do not parse never compare true.
func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		number, err := strconv.ParseFloat(v, 64)
		return number, err == nil
	default:
		return 0, false
	}
}
