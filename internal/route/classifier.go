// Package route classifies request paths into access and scope buckets.
//
// Classification is a pure function of the path. The rules are data, kept in
// rules.yaml and compiled once at startup, so they can be reviewed and tested
// apart from the code that enforces them.
package route

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"storefront-edge/internal/model"
)

// SupportedRulesVersion is the rules file schema this package understands.
const SupportedRulesVersion = 1

const (
	captureUsername = "username"
	captureOrderID  = "orderId"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type Mode string

const (
	ModeBuyer  Mode = "buyer"
	ModeSeller Mode = "seller"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case ModeBuyer, ModeSeller:
		return Mode(raw), true
	default:
		return "", false
	}
}

type Classification struct {
	Path         string `json:"path"`
	Public       bool   `json:"public"`
	Protected    bool   `json:"protected"`
	SellerScoped bool   `json:"seller_scoped"`
	OrderScoped  bool   `json:"order_scoped"`
	Username     string `json:"username,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	ForcedMode   Mode   `json:"forced_mode,omitempty"`
}

// Kind is a short label for logs and metrics.
func (c Classification) Kind() string {
	switch {
	case c.SellerScoped && c.OrderScoped:
		return "seller_order"
	case c.SellerScoped:
		return "seller"
	case c.OrderScoped:
		return "order"
	case c.Public:
		return "public"
	default:
		return "protected"
	}
}

// ResolveMode keeps the previous mode unless the route forces one. An unset or
// unknown previous value falls back to buyer.
func ResolveMode(c Classification, previous Mode) Mode {
	if c.ForcedMode != "" {
		return c.ForcedMode
	}
	if mode, ok := ParseMode(string(previous)); ok {
		return mode
	}
	return ModeBuyer
}

type Rules struct {
	Version   int               `yaml:"version"`
	Public    []string          `yaml:"public"`
	Seller    []string          `yaml:"seller"`
	Order     []string          `yaml:"order"`
	ForceMode map[Mode][]string `yaml:"force_mode"`
}

func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("%w: %v", model.ErrInvalidRule, err)
	}
	if rules.Version != SupportedRulesVersion {
		return Rules{}, fmt.Errorf("%w: %d", model.ErrUnknownVersion, rules.Version)
	}
	return rules, nil
}

func DefaultRules() Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded route rules are invalid: %v", err))
	}
	return rules
}

type forcedRule struct {
	mode    Mode
	pattern Pattern
}

type Classifier struct {
	version int
	public  []Pattern
	seller  []Pattern
	order   []Pattern
	forced  []forcedRule
}

func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{version: rules.Version}

	var err error
	if c.public, err = compileAll(rules.Public); err != nil {
		return nil, fmt.Errorf("public rules: %w", err)
	}
	if c.seller, err = compileAll(rules.Seller); err != nil {
		return nil, fmt.Errorf("seller rules: %w", err)
	}
	for _, p := range c.seller {
		if !p.Captures(captureUsername) {
			return nil, fmt.Errorf("seller rules: %w: %q does not capture {%s}", model.ErrInvalidRule, p, captureUsername)
		}
	}
	if c.order, err = compileAll(rules.Order); err != nil {
		return nil, fmt.Errorf("order rules: %w", err)
	}

	// Deterministic order for forced modes: buyer before seller.
	for _, mode := range []Mode{ModeBuyer, ModeSeller} {
		patterns, compileErr := compileAll(rules.ForceMode[mode])
		if compileErr != nil {
			return nil, fmt.Errorf("%s mode rules: %w", mode, compileErr)
		}
		for _, p := range patterns {
			c.forced = append(c.forced, forcedRule{mode: mode, pattern: p})
		}
	}
	for mode := range rules.ForceMode {
		if _, ok := ParseMode(string(mode)); !ok {
			return nil, fmt.Errorf("%w: unknown mode %q", model.ErrInvalidRule, mode)
		}
	}

	return c, nil
}

// Default returns a classifier over the embedded rules.
func Default() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("embedded route rules do not compile: %v", err))
	}
	return c
}

// Load reads rules from path, or uses the embedded rules when path is empty.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return NewClassifier(DefaultRules())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return NewClassifier(rules)
}

func (c *Classifier) Version() int {
	return c.version
}

// Classify never fails: paths that match nothing, or cannot be read safely,
// come back protected and unscoped.
func (c *Classifier) Classify(path string) Classification {
	result := Classification{Path: path, Protected: true}

	segments, ok := splitPath(path)
	if !ok {
		return result
	}

	for _, p := range c.public {
		if _, matched := p.Match(segments); matched {
			result.Public = true
			result.Protected = false
			break
		}
	}

	for _, p := range c.seller {
		if captures, matched := p.Match(segments); matched {
			result.SellerScoped = true
			result.Username = captures[captureUsername]
			result.ForcedMode = ModeSeller
			break
		}
	}

	for _, p := range c.order {
		if captures, matched := p.Match(segments); matched {
			result.OrderScoped = true
			result.OrderID = captures[captureOrderID]
			if result.Username == "" {
				result.Username = captures[captureUsername]
			}
			break
		}
	}

	if result.ForcedMode == "" {
		for _, rule := range c.forced {
			if _, matched := rule.pattern.Match(segments); matched {
				result.ForcedMode = rule.mode
				break
			}
		}
	}

	return result
}

func compileAll(raw []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		p, err := CompilePattern(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type contextKey struct{}

func NewContext(ctx context.Context, c Classification) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Classification, bool) {
	c, ok := ctx.Value(contextKey{}).(Classification)
	return c, ok
}
