package grantry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Observer receives evaluation events. pkg/metrics provides a Prometheus
// implementation.
type Observer interface {
	// ObserveCheck is called once per Check with the outcome ("granted",
	// "denied" or "error"), whether the cache answered and the duration.
	ObserveCheck(outcome string, cached bool, elapsed time.Duration)

	// ObserveInvalidation is called once per Invalidate.
	ObserveInvalidation()
}

type nopObserver struct{}

func (nopObserver) ObserveCheck(string, bool, time.Duration) {}
func (nopObserver) ObserveInvalidation()                     {}

// Evaluator answers "can principal P exercise code C (optionally on resource
// A)?". It combines MembershipResolver, Hierarchy and RoleExpander over an
// injected Store.
//
// Evaluators hold no domain state and are safe for concurrent use. The only
// mutable shared structure is the cache.
type Evaluator struct {
	store      Store
	hierarchy  *Hierarchy
	roles      *RoleExpander
	membership *MembershipResolver

	cache              Cache
	override           Override
	useContextOverride bool
	adminImpliesAll    bool
	implicitGroups     bool
	log                zerolog.Logger
	observer           Observer

	flight singleflight.Group
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCache enables caching of unscoped decisions and principal group lists.
// Without it the Evaluator uses NopCache.
func WithCache(c Cache) Option {
	return func(e *Evaluator) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithAdminImpliesAll controls whether holding ADMIN satisfies every check.
// Enabled by default.
func WithAdminImpliesAll(enabled bool) Option {
	return func(e *Evaluator) {
		e.adminImpliesAll = enabled
	}
}

// WithImplicitGroups controls whether groups flagged Implicit are added to
// every principal. Enabled by default.
func WithImplicitGroups(enabled bool) Option {
	return func(e *Evaluator) {
		e.implicitGroups = enabled
	}
}

// WithOverride sets an override that bypasses evaluation. Use OverrideAllow
// for admin tools or testing authorized paths, OverrideDeny for testing
// unauthorized paths.
func WithOverride(o Override) Option {
	return func(e *Evaluator) {
		e.override = o
	}
}

// WithContextOverride makes Check consult GetOverrideContext(ctx) before any
// other step. Precedence when enabled: context override, Evaluator override,
// evaluation.
func WithContextOverride() Option {
	return func(e *Evaluator) {
		e.useContextOverride = true
	}
}

// WithLogger sets the logger for debug tracing of checks.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Evaluator) {
		e.log = l
	}
}

// WithObserver sets an Observer for check and invalidation events.
func WithObserver(o Observer) Option {
	return func(e *Evaluator) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEvaluator creates an Evaluator over store.
func NewEvaluator(store Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:           store,
		cache:           NopCache{},
		override:        OverrideUnset,
		adminImpliesAll: true,
		implicitGroups:  true,
		log:             zerolog.Nop(),
		observer:        nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hierarchy = NewHierarchy(store)
	e.roles = NewRoleExpander(e.hierarchy, store)
	e.membership = NewMembershipResolver(store, store, e.implicitGroups)
	return e
}

// Hierarchy exposes raw hierarchy queries, for hosts that render group trees.
func (e *Evaluator) Hierarchy() *Hierarchy {
	return e.hierarchy
}

// Membership exposes the principal-to-groups resolver.
func (e *Evaluator) Membership() *MembershipResolver {
	return e.membership
}

// Roles exposes the role expander.
func (e *Evaluator) Roles() *RoleExpander {
	return e.roles
}

// Check decides whether principal holds any of codes for arg.
//
// A Denied decision has a nil error. A non-nil error means the question was
// invalid (ErrInvalidArg, ErrNoCodes) or could not be answered
// (ErrStoreUnavailable, ErrIntegrityViolation, context errors); it is never
// accompanied by a Granted decision.
//
// strict=false enables the deprecated fallback that grants codes nobody has
// declared anywhere. It exists for old callers and is not a security
// boundary.
func (e *Evaluator) Check(ctx context.Context, principal PrincipalID, codes []Code, arg Arg, strict bool) (Decision, error) {
	start := time.Now()
	d, cached, err := e.check(ctx, principal, codes, arg, strict)

	outcome := "denied"
	switch {
	case err != nil:
		outcome = "error"
	case d.Granted():
		outcome = "granted"
	}
	e.observer.ObserveCheck(outcome, cached, time.Since(start))
	return d, err
}

// CheckCode is Check for a single code with arg any and strict mode.
func (e *Evaluator) CheckCode(ctx context.Context, principal PrincipalID, code Code) (bool, error) {
	d, err := e.Check(ctx, principal, []Code{code}, ArgAny(), true)
	if err != nil {
		return false, err
	}
	return d.Granted(), nil
}

func (e *Evaluator) check(ctx context.Context, principal PrincipalID, codes []Code, arg Arg, strict bool) (Decision, bool, error) {
	if err := arg.Validate(); err != nil {
		return Denied(), false, err
	}
	requested := normalizeCodes(codes)
	if len(requested) == 0 {
		return Denied(), false, ErrNoCodes
	}

	if e.useContextOverride {
		if o := GetOverrideContext(ctx); o != OverrideUnset {
			return o.decision(), false, nil
		}
	}
	if e.override != OverrideUnset {
		return e.override.decision(), false, nil
	}

	if principal == 0 {
		e.log.Debug().Str("codes", joinCodes(requested)).Msg("check:no_principal")
		return Denied(), false, nil
	}

	effective := requested
	if e.adminImpliesAll {
		effective = normalizeCodes(append(append([]Code(nil), requested...), AdminCode))
	}

	log := e.log.With().
		Str("principal", principal.String()).
		Str("codes", joinCodes(effective)).
		Str("arg", arg.String()).
		Bool("strict", strict).
		Logger()
	log.Debug().Msg("check:start")

	_, fromAddr := ClientAddr(ctx)
	if !arg.IsAny() || fromAddr {
		// Scoped and address-bound checks always recompute.
		d, err := e.evaluate(ctx, principal, requested, effective, arg, strict, nil)
		e.logResult(log, d, err)
		return d, false, err
	}

	key := NewCacheKey(principal, effective, strict)
	if d, ok := e.cache.Get(ctx, key); ok {
		log.Debug().Bool("granted", d.Granted()).Msg("check:cache_hit")
		return d, true, nil
	}

	gen, genErr := e.cache.Generation(ctx)
	if genErr != nil {
		log.Warn().Err(genErr).Msg("check:cache_generation_failed")
	}

	// Concurrent identical checks share one evaluation. The shared call runs
	// under its own context so one caller's cancellation does not fail the
	// others; each caller still honours its own ctx below. A flight only
	// serves callers that read the same generation, so a check starting
	// after an invalidation never joins one reading older data.
	flightKey := strconv.FormatInt(int64(principal), 10) + "|" +
		strconv.FormatBool(strict) + "|" + key.Codes + "|"
	if genErr == nil {
		flightKey += strconv.FormatUint(gen, 10)
	} else {
		flightKey += "nogen"
	}
	ch := e.flight.DoChan(flightKey, func() (any, error) {
		return e.evaluate(context.WithoutCancel(ctx), principal, requested, effective, arg, strict, nil)
	})

	select {
	case <-ctx.Done():
		return Denied(), false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			e.logResult(log, Denied(), res.Err)
			return Denied(), false, res.Err
		}
		d := res.Val.(Decision)
		if err := ctx.Err(); err != nil {
			// Cancelled while finishing: commit nothing.
			return Denied(), false, err
		}
		if genErr == nil {
			e.cache.Set(ctx, key, d, gen)
		}
		e.logResult(log, d, nil)
		return d, false, nil
	}
}

func (e *Evaluator) logResult(log zerolog.Logger, d Decision, err error) {
	switch {
	case err != nil:
		log.Debug().Err(err).Msg("check:error")
	case d.Granted():
		log.Debug().Str("source", d.Source().String()).Msg("check:granted")
	default:
		log.Debug().Msg("check:denied")
	}
}

// Explanation lists the facts a decision was derived from.
type Explanation struct {
	// TraceID correlates the explanation with the debug log lines it emits.
	TraceID   string
	Principal PrincipalID
	Codes     []Code
	Arg       Arg
	Strict    bool
	Decision  Decision

	// Groups are the principal's effective groups.
	Groups []GroupID
	// Ancestors maps each effective group to its ancestor chain.
	Ancestors map[GroupID][]GroupID
	// Grants are the Grant-disposition rows on the effective groups that
	// carry a requested code and match the arg.
	Grants []Grant
	// Roles maps requested codes to the role attachment providing them.
	Roles map[Code]RoleSource
	// Undeclared is true when the non-strict fallback applied.
	Undeclared bool
}

// Explain evaluates like Check but records every intermediate result. It
// never reads or writes the cache and ignores overrides.
func (e *Evaluator) Explain(ctx context.Context, principal PrincipalID, codes []Code, arg Arg, strict bool) (*Explanation, error) {
	if err := arg.Validate(); err != nil {
		return nil, err
	}
	requested := normalizeCodes(codes)
	if len(requested) == 0 {
		return nil, ErrNoCodes
	}
	effective := requested
	if e.adminImpliesAll {
		effective = normalizeCodes(append(append([]Code(nil), requested...), AdminCode))
	}

	ex := &Explanation{
		TraceID:   uuid.NewString(),
		Principal: principal,
		Codes:     effective,
		Arg:       arg,
		Strict:    strict,
		Ancestors: map[GroupID][]GroupID{},
		Roles:     map[Code]RoleSource{},
	}
	if principal == 0 {
		ex.Decision = Denied()
		return ex, nil
	}

	d, err := e.evaluate(ctx, principal, requested, effective, arg, strict, ex)
	if err != nil {
		return nil, err
	}
	ex.Decision = d
	e.log.Debug().
		Str("trace_id", ex.TraceID).
		Str("principal", principal.String()).
		Str("codes", joinCodes(effective)).
		Bool("granted", d.Granted()).
		Msg("explain:done")

	for _, g := range ex.Groups {
		chain, err := e.hierarchy.AncestorsOf(ctx, g)
		if err != nil {
			return nil, err
		}
		ex.Ancestors[g] = chain
	}
	return ex, nil
}

// evaluate computes a decision without touching the cache. When ex is
// non-nil it is filled with intermediate results.
func (e *Evaluator) evaluate(ctx context.Context, principal PrincipalID, requested, effective []Code, arg Arg, strict bool, ex *Explanation) (Decision, error) {
	groups, err := e.groupsOf(ctx, principal)
	if err != nil {
		return Denied(), err
	}
	if ex != nil {
		ex.Groups = groups
	}

	want := make(map[Code]struct{}, len(effective))
	for _, c := range effective {
		want[c] = struct{}{}
	}

	var (
		grants    []Grant
		roleCodes map[Code]RoleSource
	)
	if len(groups) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			rows, err := e.store.GrantsForGroups(gctx, groups)
			if err != nil {
				return storeErr("grants for groups", err)
			}
			grants = rows
			return nil
		})
		g.Go(func() error {
			codes, err := e.roles.Expand(gctx, groups)
			if err != nil {
				return err
			}
			roleCodes = codes
			return nil
		})
		if err := g.Wait(); err != nil {
			return Denied(), err
		}
	}

	matching := matchGrants(grants, want, arg)
	if ex != nil {
		ex.Grants = matching
		for c, src := range roleCodes {
			if _, ok := want[c]; ok {
				ex.Roles[c] = src
			}
		}
	}

	if len(matching) > 0 {
		g := matching[0]
		return Granted(Source{Kind: SourceGrant, Code: g.Code, Group: g.Group, Grant: g.ID}), nil
	}
	for _, c := range effective {
		if src, ok := roleCodes[c]; ok {
			return Granted(Source{Kind: SourceRole, Code: c, Group: src.Group, Role: src.Role}), nil
		}
	}

	if !strict {
		undeclared, err := e.undeclared(ctx, requested)
		if err != nil {
			return Denied(), err
		}
		if undeclared {
			if ex != nil {
				ex.Undeclared = true
			}
			return Granted(Source{Kind: SourceUndeclared, Code: requested[0]}), nil
		}
	}

	return Denied(), nil
}

// groupsOf resolves effective groups through the group-list cache line.
func (e *Evaluator) groupsOf(ctx context.Context, principal PrincipalID) ([]GroupID, error) {
	if addr, ok := ClientAddr(ctx); ok {
		set, err := e.membership.GroupsOfFrom(ctx, principal, addr)
		if err != nil {
			return nil, err
		}
		return set.Sorted(), nil
	}
	if cached, ok := e.cache.GetGroups(ctx, principal); ok {
		return cached, nil
	}
	gen, genErr := e.cache.Generation(ctx)
	set, err := e.membership.GroupsOf(ctx, principal)
	if err != nil {
		return nil, err
	}
	groups := set.Sorted()
	if genErr == nil && ctx.Err() == nil {
		e.cache.SetGroups(ctx, principal, groups, gen)
	}
	return groups, nil
}

// matchGrants returns Grant rows carrying a wanted code whose arg satisfies
// the requested arg, ordered by grant id.
func matchGrants(grants []Grant, want map[Code]struct{}, arg Arg) []Grant {
	var out []Grant
	for _, g := range grants {
		if g.Disposition != DispositionGrant {
			continue
		}
		if _, ok := want[g.Code]; !ok {
			continue
		}
		if !arg.Matches(g.Arg) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// undeclared reports whether none of the requested codes is carried by a
// grant row or role anywhere. The implicit ADMIN code is not consulted: the
// fallback is about the codes the caller asked for.
func (e *Evaluator) undeclared(ctx context.Context, requested []Code) (bool, error) {
	declared, err := e.store.AllDeclaredCodes(ctx)
	if err != nil {
		return false, storeErr("all declared codes", err)
	}
	known := make(map[Code]struct{}, len(declared))
	for _, c := range declared {
		known[c] = struct{}{}
	}
	for _, c := range requested {
		if _, ok := known[c]; ok {
			return false, nil
		}
	}
	return true, nil
}

// Invalidate drops every cached decision and group list. Call it after any
// write to groups, memberships, grants or roles.
func (e *Evaluator) Invalidate(ctx context.Context) error {
	e.observer.ObserveInvalidation()
	e.log.Debug().Msg("cache:invalidate")
	if err := e.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	return nil
}

// InvalidateFunc adapts Invalidate to the OnChange hooks of the stores.
// Invalidation failures are logged.
func (e *Evaluator) InvalidateFunc() func() {
	return func() {
		if err := e.Invalidate(context.Background()); err != nil {
			e.log.Error().Err(err).Msg("cache:invalidate_failed")
		}
	}
}

// Must panics if the check fails or is denied.
//
// Use it where denial indicates a bug in the calling code rather than a
// user-facing condition. Prefer Check for anything that should become a 403.
func (e *Evaluator) Must(ctx context.Context, principal PrincipalID, codes ...Code) {
	d, err := e.Check(ctx, principal, codes, ArgAny(), true)
	if err != nil {
		panic(fmt.Sprintf("grantry.Must: %v", err))
	}
	if !d.Granted() {
		panic(fmt.Sprintf("grantry.Must: principal %d lacks %s", principal, joinCodes(normalizeCodes(codes))))
	}
}

// DeclaredCodes returns every code known to the store, sorted.
func (e *Evaluator) DeclaredCodes(ctx context.Context) ([]Code, error) {
	codes, err := e.store.AllDeclaredCodes(ctx)
	if err != nil {
		return nil, storeErr("all declared codes", err)
	}
	return normalizeCodes(codes), nil
}

// GroupsWith returns the groups whose members hold code: groups with a Grant
// row for it, plus the families of groups that have a role carrying it.
// With the admin policy enabled, groups holding ADMIN are included too.
func (e *Evaluator) GroupsWith(ctx context.Context, code Code) ([]GroupID, error) {
	codes := []Code{code}
	if e.adminImpliesAll && code != AdminCode {
		codes = append(codes, AdminCode)
	}

	out := GroupSet{}
	for _, c := range codes {
		grants, err := e.store.GrantsForCode(ctx, c)
		if err != nil {
			return nil, storeErr("grants for code", err)
		}
		for _, g := range grants {
			if g.Disposition == DispositionGrant {
				out.Add(g.Group)
			}
		}

		roleGroups, err := e.store.GroupsWithRoleCode(ctx, c)
		if err != nil {
			return nil, storeErr("groups with role code", err)
		}
		fam, err := e.hierarchy.FamiliesOf(ctx, roleGroups)
		if err != nil {
			return nil, err
		}
		for id := range fam {
			out.Add(id)
		}
	}
	return out.Sorted(), nil
}

// Holders is the result of PrincipalsWith.
type Holders struct {
	// Principals holding the code through their direct memberships.
	Principals []PrincipalID
	// AllPrincipals is true when an implicit group holds the code, which
	// means every principal does.
	AllPrincipals bool
}

// PrincipalsWith returns the principals holding code.
func (e *Evaluator) PrincipalsWith(ctx context.Context, code Code) (Holders, error) {
	groups, err := e.GroupsWith(ctx, code)
	if err != nil {
		return Holders{}, err
	}
	if len(groups) == 0 {
		return Holders{}, nil
	}

	var h Holders
	if e.implicitGroups {
		implicit, err := e.store.ImplicitGroups(ctx)
		if err != nil {
			return Holders{}, storeErr("implicit groups", err)
		}
		holding := NewGroupSet(groups...)
		for _, g := range implicit {
			if holding.Has(g) {
				h.AllPrincipals = true
				break
			}
		}
	}

	principals, err := e.store.PrincipalsInGroups(ctx, groups)
	if err != nil {
		return Holders{}, storeErr("principals in groups", err)
	}
	seen := make(map[PrincipalID]struct{}, len(principals))
	for _, p := range principals {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		h.Principals = append(h.Principals, p)
	}
	sort.Slice(h.Principals, func(i, j int) bool { return h.Principals[i] < h.Principals[j] })
	return h, nil
}
