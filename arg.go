package grantry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type argKind uint8

const (
	argAny argKind = iota
	argAll
	argID
)

// Arg scopes a permission to a resource.
//
// The zero value is ArgAny. On a stored grant ArgAny means "not scoped"; on a
// request it means "any stored arg will do". ArgAll on a stored grant
// satisfies every resource-scoped request for its code.
type Arg struct {
	kind argKind
	id   int64
}

// ArgAny returns the unscoped arg.
func ArgAny() Arg { return Arg{kind: argAny} }

// ArgAll returns the arg that matches every resource id.
func ArgAll() Arg { return Arg{kind: argAll} }

// ArgID returns an arg scoped to a resource id. Ids must be positive; Check
// rejects anything else with ErrInvalidArg.
func ArgID(id int64) Arg { return Arg{kind: argID, id: id} }

// IsAny reports whether a is the unscoped arg.
func (a Arg) IsAny() bool { return a.kind == argAny }

// IsAll reports whether a is the all-resources sentinel.
func (a Arg) IsAll() bool { return a.kind == argAll }

// ID returns the resource id and whether a is resource-scoped.
func (a Arg) ID() (int64, bool) {
	return a.id, a.kind == argID
}

// Validate returns ErrInvalidArg unless a is any, all or a positive id.
func (a Arg) Validate() error {
	switch a.kind {
	case argAny, argAll:
		return nil
	case argID:
		if a.id <= 0 {
			return fmt.Errorf("%w: resource id must be positive, got %d", ErrInvalidArg, a.id)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown arg kind %d", ErrInvalidArg, a.kind)
	}
}

// Matches reports whether a stored grant arg satisfies a requested arg.
func (a Arg) Matches(stored Arg) bool {
	switch a.kind {
	case argAny:
		return true
	case argID:
		return stored.kind == argAll || (stored.kind == argID && stored.id == a.id)
	default:
		// A request for "all" is only met by a grant for "all".
		return stored.kind == argAll
	}
}

// String returns "any", "all" or the decimal id.
func (a Arg) String() string {
	switch a.kind {
	case argAll:
		return "all"
	case argID:
		return strconv.FormatInt(a.id, 10)
	default:
		return "any"
	}
}

// Int64 returns the storage form: 0 for any, -1 for all, otherwise the id.
func (a Arg) Int64() int64 {
	switch a.kind {
	case argAll:
		return -1
	case argID:
		return a.id
	default:
		return 0
	}
}

// ArgFromInt64 decodes the storage form written by Int64.
func ArgFromInt64(v int64) (Arg, error) {
	switch {
	case v == 0:
		return ArgAny(), nil
	case v == -1:
		return ArgAll(), nil
	case v > 0:
		return ArgID(v), nil
	default:
		return Arg{}, fmt.Errorf("%w: stored arg %d", ErrInvalidArg, v)
	}
}

// ParseArg accepts "any", "all" or a positive integer. The empty string is
// treated as "any".
func ParseArg(s string) (Arg, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return ArgAny(), nil
	case "all":
		return ArgAll(), nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Arg{}, fmt.Errorf("%w: %q is not any, all or a resource id", ErrInvalidArg, s)
	}
	a := ArgID(n)
	if err := a.Validate(); err != nil {
		return Arg{}, err
	}
	return a, nil
}

// MarshalJSON encodes ids as numbers and the sentinels as strings.
func (a Arg) MarshalJSON() ([]byte, error) {
	if a.kind == argID {
		return []byte(strconv.FormatInt(a.id, 10)), nil
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a number or one of the strings understood by ParseArg.
func (a *Arg) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseArg(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArg, string(data))
	}
	parsed, err := ArgFromInt64(n)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
