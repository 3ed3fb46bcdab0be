package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spec-kit/ticket-sync/internal/config"
)

// KeyArg converts the external key string into the typed query argument the
// family's key column expects.
func KeyArg(family *config.Family, key string) (any, error) {
	switch family.KeyKind {
	case config.KeyKindNumeric:
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("family %s: key %q is not numeric", family.Name, key)
		}
		return id, nil
	default:
		return strings.TrimSpace(key), nil
	}
}

// BuildUpdate renders a partial UPDATE for the supplied API fields. Fields
// with a nil value are dropped, except owner fields whose explicit null means
// "release ownership" and must still be written. Unmapped field names are
// ignored and reported back for logging. Returns ok=false when nothing
// remains to update.
func BuildUpdate(family *config.Family, keyArg any, fields map[string]any) (sql string, args []any, skipped []string, ok bool) {
	nullable := family.NullableFields()

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var clauses []string
	for _, name := range names {
		column, mapped := family.FieldMap[name]
		if !mapped {
			skipped = append(skipped, name)
			continue
		}
		value := fields[name]
		if value == nil && !nullable[name] {
			continue
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(clauses) == 0 {
		return "", nil, skipped, false
	}

	args = append(args, keyArg)
	sql = fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		family.Table, strings.Join(clauses, ", "), family.KeyColumn, len(args))
	return sql, args, skipped, true
}
