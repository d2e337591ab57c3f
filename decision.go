package grantry

import (
	"context"
	"encoding/json"
	"fmt"
)

// SourceKind tells where a granted code came from.
type SourceKind int

const (
	// SourceNone is the zero value, used by Denied decisions.
	SourceNone SourceKind = iota
	// SourceGrant means a direct grant row on one of the principal's groups.
	SourceGrant
	// SourceRole means a role attached to one of the principal's groups or
	// to an ancestor of one.
	SourceRole
	// SourceUndeclared means the non-strict fallback: nobody has the code
	// wired up anywhere.
	SourceUndeclared
	// SourceOverride means a decision override bypassed evaluation.
	SourceOverride
)

func (k SourceKind) String() string {
	switch k {
	case SourceGrant:
		return "grant"
	case SourceRole:
		return "role"
	case SourceUndeclared:
		return "undeclared"
	case SourceOverride:
		return "override"
	default:
		return "none"
	}
}

// Source references the row a granted decision is based on. Fields that do
// not apply to Kind are zero.
type Source struct {
	Kind  SourceKind `json:"kind"`
	Code  Code       `json:"code,omitempty"`
	Group GroupID    `json:"group,omitempty"`
	Grant GrantID    `json:"grant,omitempty"`
	Role  RoleID     `json:"role,omitempty"`
}

func (s Source) String() string {
	switch s.Kind {
	case SourceGrant:
		return fmt.Sprintf("grant #%d (%s on group %d)", s.Grant, s.Code, s.Group)
	case SourceRole:
		return fmt.Sprintf("role #%d (%s via group %d)", s.Role, s.Code, s.Group)
	case SourceUndeclared:
		return fmt.Sprintf("undeclared code %s (non-strict)", s.Code)
	case SourceOverride:
		return "decision override"
	default:
		return "none"
	}
}

// Decision is the outcome of a permission check: Granted with a source, or
// Denied. The zero value is Denied.
type Decision struct {
	granted bool
	source  Source
}

// Granted returns a granted decision referencing src.
func Granted(src Source) Decision {
	return Decision{granted: true, source: src}
}

// Denied returns a denied decision.
func Denied() Decision {
	return Decision{}
}

// Granted reports whether access is allowed.
func (d Decision) Granted() bool { return d.granted }

// Source returns the reference for a granted decision.
func (d Decision) Source() Source { return d.source }

func (d Decision) String() string {
	if !d.granted {
		return "denied"
	}
	return "granted by " + d.source.String()
}

type decisionJSON struct {
	Granted bool    `json:"granted"`
	Source  *Source `json:"source,omitempty"`
}

// MarshalJSON encodes the decision for external caches.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{Granted: d.granted}
	if d.granted {
		src := d.source
		out.Source = &src
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var in decisionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = Decision{granted: in.Granted}
	if in.Granted && in.Source != nil {
		d.source = *in.Source
	}
	return nil
}

// Override bypasses evaluation for admin tools and tests. Overrides provide
// explicit control over authorization behavior without touching the stored
// grants or roles.
//
// There are two layers:
//  1. Evaluator-level: set with WithOverride at construction.
//  2. Context-level: set with WithOverrideContext, consulted only when the
//     Evaluator was built with WithContextOverride.
//
// Context overrides are opt-in so that a value attached somewhere in a
// middleware chain cannot silently bypass checks.
type Override int

type overrideContextKey struct{}

var overrideKey = overrideContextKey{}

const (
	// OverrideUnset means no override - perform the normal check.
	OverrideUnset Override = iota

	// OverrideAllow grants every check.
	OverrideAllow

	// OverrideDeny denies every check.
	OverrideDeny
)

// WithOverrideContext returns a context carrying an override.
//
// The Evaluator ignores it unless built with WithContextOverride.
func WithOverrideContext(ctx context.Context, o Override) context.Context {
	return context.WithValue(ctx, overrideKey, o)
}

// GetOverrideContext returns the override carried by ctx, or OverrideUnset.
func GetOverrideContext(ctx context.Context) Override {
	if o, ok := ctx.Value(overrideKey).(Override); ok {
		return o
	}
	return OverrideUnset
}

func (o Override) decision() Decision {
	if o == OverrideAllow {
		return Granted(Source{Kind: SourceOverride})
	}
	return Denied()
}
