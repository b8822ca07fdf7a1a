package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultClaimTools get identity claims when no policy file is given.
var DefaultClaimTools = []string{"get_personalized_greeting"}

var argumentKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// HeaderRule copies one request header into one argument. In YAML it is
// either a bare header name or a mapping with name and argument.
type HeaderRule struct {
	Name     string `yaml:"name"`
	Argument string `yaml:"argument,omitempty"`
}

// UnmarshalYAML accepts the bare header name shorthand.
func (r *HeaderRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Name = value.Value
		return nil
	}

	type plain HeaderRule

	return value.Decode((*plain)(r))
}

// ArgumentKey is the argument the header is written to. Without an
// explicit argument it is header_ followed by the header name in lower
// snake case.
func (r HeaderRule) ArgumentKey() string {
	if r.Argument != "" {
		return r.Argument
	}

	var b strings.Builder

	b.WriteString("header_")

	for _, c := range strings.ToLower(r.Name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}

	return b.String()
}

// ToolPolicy says what a tool receives.
type ToolPolicy struct {
	Claims       bool         `yaml:"claims"`
	ForwardToken bool         `yaml:"forward_token"`
	Headers      []HeaderRule `yaml:"headers"`
}

// Policy is the default tool policy plus per-tool additions.
type Policy struct {
	Default ToolPolicy            `yaml:"default"`
	Tools   map[string]ToolPolicy `yaml:"tools"`
}

// For returns the effective policy of tool. Flags set on the default
// apply to every tool. Tool header rules are appended to the default
// rules, replacing a default rule for the same header.
func (p *Policy) For(tool string) ToolPolicy {
	tp, ok := p.Tools[tool]
	if !ok {
		return p.Default
	}

	merged := ToolPolicy{
		Claims:       p.Default.Claims || tp.Claims,
		ForwardToken: p.Default.ForwardToken || tp.ForwardToken,
	}

	for _, rule := range p.Default.Headers {
		if !hasHeader(tp.Headers, rule.Name) {
			merged.Headers = append(merged.Headers, rule)
		}
	}

	merged.Headers = append(merged.Headers, tp.Headers...)

	return merged
}

// Validate checks header names and argument keys. Argument keys must be
// lower snake case, may not shadow the claim keys and may not be shared
// by two rules of the same tool.
func (p *Policy) Validate() error {
	if err := validateToolPolicy("default", p.Default); err != nil {
		return err
	}

	for name := range p.Tools {
		if strings.TrimSpace(name) == "" {
			return errors.New("tool name must not be empty")
		}

		if err := validateToolPolicy(name, p.For(name)); err != nil {
			return err
		}
	}

	return nil
}

func validateToolPolicy(tool string, tp ToolPolicy) error {
	seen := map[string]string{}

	for _, rule := range tp.Headers {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("tool %s: header rule without a name", tool)
		}

		if strings.EqualFold(rule.Name, "authorization") {
			return fmt.Errorf("tool %s: the authorization header cannot be copied, use forward_token", tool)
		}

		key := rule.ArgumentKey()
		if !argumentKeyPattern.MatchString(key) {
			return fmt.Errorf("tool %s: argument key %q must be lower snake case", tool, key)
		}

		switch key {
		case ArgUserID, ArgUserName, ArgUserEmail, ArgAuthToken:
			return fmt.Errorf("tool %s: argument key %q is reserved", tool, key)
		}

		if other, ok := seen[key]; ok {
			return fmt.Errorf("tool %s: headers %s and %s both map to argument %q", tool, other, rule.Name, key)
		}

		seen[key] = rule.Name
	}

	return nil
}

func hasHeader(rules []HeaderRule, name string) bool {
	for _, r := range rules {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}

	return false
}

// DefaultPolicy builds a policy from a header allow-list applied to all
// tools and the list of tools that receive identity claims.
func DefaultPolicy(allowedHeaders, claimTools []string) *Policy {
	p := &Policy{Tools: map[string]ToolPolicy{}}

	for _, h := range allowedHeaders {
		if h = strings.TrimSpace(h); h != "" {
			p.Default.Headers = append(p.Default.Headers, HeaderRule{Name: h})
		}
	}

	for _, tool := range claimTools {
		if tool = strings.TrimSpace(tool); tool != "" {
			p.Tools[tool] = ToolPolicy{Claims: true}
		}
	}

	return p
}

// ParsePolicy decodes a YAML policy. Unknown fields are rejected.
func ParsePolicy(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return &p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	return ParsePolicy(bytes.NewReader(data))
}
