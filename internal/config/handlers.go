package config

import (
	"fmt"

	"github.com/jorviizheng/thr/internal/dispatcher/limits"
	"github.com/jorviizheng/thr/internal/frontend"
	"github.com/jorviizheng/thr/internal/match"
	"github.com/jorviizheng/thr/internal/rules"
)

// CriterionHandler is a named, code-registered custom criterion over an
// HTTPExchange, referenced from config by name. This is the Go replacement
// for the original's "custom" keyword taking an arbitrary callable: instead
// of evaluating code from the config file, config only ever names a handler
// that was compiled in.
type CriterionHandler = rules.CustomCriterionFunc[*frontend.HTTPExchange]

// ActionHandler is a named, code-registered custom action over an
// HTTPExchange.
type ActionHandler func(ex *frontend.HTTPExchange) (value interface{}, deferred <-chan interface{})

// HashHandler is a named, code-registered limit hash function.
type HashHandler = limits.HashFunc

// HandlerRegistry holds the handlers a config document is allowed to
// reference by name. A deployment registers its own handlers at startup,
// then loads config on top.
type HandlerRegistry struct {
	customCriteria map[string]rules.CustomCriterionFunc[*frontend.HTTPExchange]
	customActions  map[string]ActionHandler
	hashFuncs      map[string]HashHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		customCriteria: make(map[string]rules.CustomCriterionFunc[*frontend.HTTPExchange]),
		customActions:  make(map[string]ActionHandler),
		hashFuncs:      make(map[string]HashHandler),
	}
}

// RegisterCriterion makes a custom criterion available to config under name.
func (h *HandlerRegistry) RegisterCriterion(name string, fn rules.CustomCriterionFunc[*frontend.HTTPExchange]) {
	h.customCriteria[name] = fn
}

// RegisterAction makes a custom action available to config under name.
func (h *HandlerRegistry) RegisterAction(name string, fn ActionHandler) {
	h.customActions[name] = fn
}

// RegisterHash makes a limit hash function available to config under name.
func (h *HandlerRegistry) RegisterHash(name string, fn HashHandler) {
	h.hashFuncs[name] = fn
}

// buildMatcher compiles an AttrSpec into a rules.CriterionValue.
func (h *HandlerRegistry) buildMatcher(a *AttrSpec) (rules.CriterionValue, error) {
	if a == nil {
		return nil, nil
	}
	if len(a.Values) == 1 && a.Pattern == "" {
		return a.Values[0], nil
	}
	if len(a.Values) > 1 && a.Pattern == "" {
		return match.Sequence(a.Values), nil
	}
	switch a.Pattern {
	case "glob":
		return match.NewGlob(a.Values...)
	case "regexp":
		return match.NewRegexp(a.Values...)
	case "diff":
		return match.NewDiff(a.Values...)
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("config: unknown pattern type %q", a.Pattern)
	}
}

// BuildRule translates a RuleSpec into a native rule, resolving any named
// handlers against the registry.
func (h *HandlerRegistry) BuildRule(spec RuleSpec) (*rules.Rule[*frontend.HTTPExchange], error) {
	criteria := rules.NewCriteria[*frontend.HTTPExchange]()
	for attr, a := range map[string]*AttrSpec{
		"method": spec.Criteria.Method, "path": spec.Criteria.Path, "host": spec.Criteria.Host,
		"remote_ip": spec.Criteria.RemoteIP, "real_ip": spec.Criteria.RealIP,
	} {
		if a == nil {
			continue
		}
		if a.Custom != "" {
			return nil, fmt.Errorf("config: per-attribute custom criteria are not supported; use a rule-level custom")
		}
		m, err := h.buildMatcher(a)
		if err != nil {
			return nil, fmt.Errorf("config: criteria.%s: %w", attr, err)
		}
		if m != nil {
			criteria.With(attr, m)
		}
	}
	if spec.Criteria.Custom != "" {
		fn, ok := h.customCriteria[spec.Criteria.Custom]
		if !ok {
			return nil, fmt.Errorf("config: unknown custom criterion handler %q", spec.Criteria.Custom)
		}
		criteria.WithCustom(fn)
	}

	actions := rules.NewActions[*frontend.HTTPExchange]()
	for _, as := range spec.Actions {
		if as.Handler != "" {
			fn, ok := h.customActions[as.Handler]
			if !ok {
				return nil, fmt.Errorf("config: unknown action handler %q", as.Handler)
			}
			actions.With(as.Name, rules.ActionFunc[*frontend.HTTPExchange](fn))
			continue
		}
		actions.With(as.Name, as.Value)
	}
	if spec.CustomInput != "" {
		fn, ok := h.customCriteria[spec.CustomInput]
		if !ok {
			return nil, fmt.Errorf("config: unknown custom_input handler %q", spec.CustomInput)
		}
		actions.WithCustomInput(func(ex *frontend.HTTPExchange) <-chan struct{} {
			_, ch := fn(ex)
			return sideEffectOnly(ch)
		})
	}
	if spec.CustomOutput != "" {
		fn, ok := h.customCriteria[spec.CustomOutput]
		if !ok {
			return nil, fmt.Errorf("config: unknown custom_output handler %q", spec.CustomOutput)
		}
		actions.WithCustomOutput(func(ex *frontend.HTTPExchange) <-chan struct{} {
			_, ch := fn(ex)
			return sideEffectOnly(ch)
		})
	}

	return &rules.Rule[*frontend.HTTPExchange]{Criteria: criteria, Actions: actions, Stop: spec.Stop}, nil
}

// sideEffectOnly adapts a bool-valued deferred channel to the struct{}
// channel custom_input/custom_output actions expect: their result is
// discarded, only their completion matters.
func sideEffectOnly(ch <-chan bool) <-chan struct{} {
	if ch == nil {
		return nil
	}
	out := make(chan struct{}, 1)
	go func() {
		<-ch
		close(out)
	}()
	return out
}

// BuildLimit translates a LimitSpec into a native limits.Limit, resolving
// its named hash function against the registry.
func (h *HandlerRegistry) BuildLimit(spec LimitSpec) (*limits.Limit, error) {
	hashFn, ok := h.hashFuncs[spec.HashFn]
	if !ok {
		return nil, fmt.Errorf("config: unknown hash function handler %q", spec.HashFn)
	}
	if spec.PerValue {
		return limits.NewPerValue(spec.Name, hashFn, spec.Max, spec.ShowInStats)
	}
	var matcher match.Matcher
	var err error
	switch spec.PatternType {
	case "glob", "":
		matcher, err = match.NewGlob(spec.Pattern)
	case "regexp":
		matcher, err = match.NewRegexp(spec.Pattern)
	case "diff":
		matcher, err = match.NewDiff(spec.Pattern)
	default:
		return nil, fmt.Errorf("config: limit %q: unknown pattern_type %q", spec.Name, spec.PatternType)
	}
	if err != nil {
		return nil, fmt.Errorf("config: limit %q: %w", spec.Name, err)
	}
	return limits.New(spec.Name, hashFn, matcher, spec.Max, spec.ShowInStats)
}

// BuildQueueWorkers returns the puller count for a QueueSpec, defaulting to
// one when Workers is unset or not positive. Kept here (rather than in
// package dispatcher) next to the rest of the config-to-native translation.
func BuildQueueWorkers(spec QueueSpec) int {
	if spec.Workers <= 0 {
		return 1
	}
	return spec.Workers
}
