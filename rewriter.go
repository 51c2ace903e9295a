package dylibfix

import (
	"fmt"
	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"
	"os"
	"path/filepath"
	"strings"
)

// StepID is the name of the step normalizing the self identifier. Rule steps are named after the rule library.
const StepID = "id"

type (
	// Rewriter makes an artifact relocatable.
	//
	// Steps:
	//
	//	1. Set the self identifier to the base name of the artifact path.
	//	2. Check every rule against the dependency references, rewriting those it matches to a search path reference.
	//
	// The first failing step stops the rewrite. Already applied steps are kept: running again is safe.
	Rewriter struct {
		rules   Rules
		backend Backend
		token   string
		strict  bool
		dryRun  bool
		logger  *zap.Logger
	}
	// Option configures a Rewriter.
	Option func(*Rewriter)
	// Change is one rewritten dependency reference.
	Change struct {
		Rule Rule
		From string
		To   string
	}
	// Report describes what a rewrite did, or would do for a dry run.
	Report struct {
		Path      string
		OldID     string
		NewID     string
		Changes   []Change
		Unmatched []string //dependencies under a rule prefix matching no rule
		Steps     []string //completed steps in order
		DryRun    bool
	}
)

func WithRules(rules Rules) Option {
	return func(r *Rewriter) { r.rules = rules }
}

func WithBackend(b Backend) Option {
	return func(r *Rewriter) { r.backend = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Rewriter) { r.logger = l }
}

// WithStrict fails before any edit when [Rules.Unmatched] finds a dependency.
func WithStrict(strict bool) Option {
	return func(r *Rewriter) { r.strict = strict }
}

// WithDryRun opens the artifact read-only and only reports the planned steps.
func WithDryRun(dry bool) Option {
	return func(r *Rewriter) { r.dryRun = dry }
}

// WithToken replaces the @rpath search path token, e.g. by @loader_path.
func WithToken(token string) Option {
	return func(r *Rewriter) { r.token = token }
}

// New create a Rewriter with the default rules, the native backend and a no-op logger unless overridden.
func New(opts ...Option) *Rewriter {
	r := &Rewriter{
		rules:   DefaultRules(),
		backend: Native{},
		token:   DefaultToken,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.token == "" {
		r.token = DefaultToken
	}
	return r
}

// Rules in effect.
func (r *Rewriter) Rules() Rules {
	return r.rules
}

// Token in effect.
func (r *Rewriter) Token() string {
	return r.token
}

// Plan reports the steps Rewrite would apply without touching the artifact.
func (r *Rewriter) Plan(path string) (*Report, error) {
	c := *r
	c.dryRun = true
	return c.Rewrite(path)
}

// Rewrite the artifact at path in place. A non-nil report is returned once the artifact is opened, also on failure.
func (r *Rewriter) Rewrite(path string) (rep *Report, err error) {
	if err = r.rules.Validate(); err != nil {
		return
	}
	if err = checkArtifact(path); err != nil {
		return
	}
	log := r.logger.With(zap.String("artifact", path))
	var a Artifact
	if a, err = r.backend.Open(path, !r.dryRun); err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMetadata, path, err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %w", ErrMetadata, path, cerr)
		}
	}()
	rep = &Report{Path: path, OldID: a.ID(), DryRun: r.dryRun}
	deps := a.Dependencies()
	log.Debug("loaded metadata", zap.String("id", rep.OldID), zap.Strings("dependencies", deps))

	if rep.Unmatched = r.rules.Unmatched(deps); len(rep.Unmatched) > 0 {
		if r.strict {
			return rep, fmt.Errorf("%w: %s", ErrUnmatched, strings.Join(rep.Unmatched, ", "))
		}
		for _, d := range rep.Unmatched {
			log.Warn("dependency matches no rule, left unchanged", zap.String("dependency", d))
		}
	}
	if s, ok := a.(signed); ok && s.Signed() && !r.dryRun {
		log.Warn("code signature is invalidated by the rewrite, sign the artifact again")
	}

	id := filepath.Base(path)
	if err = r.step(rep, StepID, func() error { return a.SetID(id) }); err != nil {
		return
	}
	rep.NewID = id
	log.Info("set identifier", zap.String("from", rep.OldID), zap.String("to", id))

	for _, rule := range r.rules {
		target := rule.Target(r.token)
		var matched []string
		for _, d := range deps {
			if rule.Match(d) {
				matched = append(matched, d)
			}
		}
		err = r.step(rep, rule.Library, func() error {
			for _, d := range matched {
				if err := a.ChangeDependency(d, target); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return
		}
		if len(matched) == 0 {
			log.Info("no dependency matches rule", zap.Stringer("rule", rule))
			continue
		}
		for _, d := range matched {
			rep.Changes = append(rep.Changes, Change{Rule: rule, From: d, To: target})
			log.Info("rewrote dependency", zap.String("from", d), zap.String("to", target))
		}
	}
	return
}

// step runs apply unless dry running and records the step as completed.
func (r *Rewriter) step(rep *Report, name string, apply func() error) error {
	if !r.dryRun {
		if err := apply(); err != nil {
			return &StepError{Step: name, Err: fmt.Errorf("%w: %w", ErrMetadata, err)}
		}
	}
	rep.Steps = append(rep.Steps, name)
	return nil
}

// checkArtifact fails with ErrNotFound unless path is an existing readable regular file.
func checkArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("%w: missing artifact path", ErrUsage)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	fn.IgnoreClose(f)
	return nil
}

// Dependency is one dependency reference and the rule rewriting it, if any.
type Dependency struct {
	Path      string
	Target    string //relocatable reference when a rule matches
	Unmatched bool
}

// Inspection is the dynamic-linking metadata of an artifact.
type Inspection struct {
	Path         string
	ID           string
	Dependencies []Dependency
	Rpaths       []string
	Signed       bool
}

// Inspect reads the metadata of the artifact at path without editing it.
func (r *Rewriter) Inspect(path string) (v *Inspection, err error) {
	if err = checkArtifact(path); err != nil {
		return
	}
	var a Artifact
	if a, err = r.backend.Open(path, false); err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMetadata, path, err)
	}
	defer fn.IgnoreClose(a)
	v = &Inspection{Path: path, ID: a.ID()}
	deps := a.Dependencies()
	unmatched := make(map[string]struct{})
	for _, d := range r.rules.Unmatched(deps) {
		unmatched[d] = struct{}{}
	}
	for _, d := range deps {
		x := Dependency{Path: d}
		if rule, ok := r.rules.Find(d); ok {
			x.Target = rule.Target(r.token)
		}
		_, x.Unmatched = unmatched[d]
		v.Dependencies = append(v.Dependencies, x)
	}
	if p, ok := a.(rpaths); ok {
		v.Rpaths = p.Rpaths()
	}
	if s, ok := a.(signed); ok {
		v.Signed = s.Signed()
	}
	return
}
