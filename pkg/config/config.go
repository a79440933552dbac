// Package config builds the immutable engine configuration from its YAML
// document.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/filter"
)

var ErrMissingField = errors.New("missing required field")

const (
	EnvTraceExceptions   = "TRACE_WEAVER_TRACE_EXCEPTIONS"
	EnvTraceConstructors = "TRACE_WEAVER_TRACE_CONSTRUCTORS"
)

// Configuration is built once per run and passed by value.
type Configuration struct {
	AdapterModule     string
	LogManagerType    string
	LoggerType        string
	StaticLoggerType  string
	TraceExceptions   bool
	TraceConstructors bool
	Filter            filter.RuleSet
}

func (c Configuration) HasStaticLogger() bool {
	return c.StaticLoggerType != ""
}

// Fingerprint identifies the configuration a module was woven with.
func (c Configuration) Fingerprint() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "adapter=%s\nlogManager=%s\nlogger=%s\nstaticLogger=%s\n",
		c.AdapterModule, c.LogManagerType, c.LoggerType, c.StaticLoggerType)
	fmt.Fprintf(&sb, "traceExceptions=%t\ntraceConstructors=%t\n", c.TraceExceptions, c.TraceConstructors)
	for _, r := range c.Filter.Rules() {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
	}
	return fmt.Sprintf("%016x", xxh3.HashString(sb.String()))
}

type document struct {
	Adapter           string      `yaml:"adapter"`
	LogManager        string      `yaml:"logManager"`
	Logger            string      `yaml:"logger"`
	StaticLogger      string      `yaml:"staticLogger"`
	TraceExceptions   *bool       `yaml:"traceExceptions"`
	TraceConstructors *bool       `yaml:"traceConstructors"`
	Filter            []yaml.Node `yaml:"filter"`
}

var knownKeys = map[string]bool{
	"adapter": true, "logManager": true, "logger": true, "staticLogger": true,
	"traceExceptions": true, "traceConstructors": true, "filter": true,
}

type ruleDocument struct {
	Namespace     string `yaml:"namespace"`
	MinVisibility string `yaml:"minVisibility"`
	MaxVisibility string `yaml:"maxVisibility"`
}

func Load(path string, sink diag.Sink) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data, sink)
}

// Parse reads a configuration document. Missing required fields fail the
// parse; malformed rules are reported to sink and dropped.
func Parse(data []byte, sink diag.Sink) (Configuration, error) {
	if sink == nil {
		sink = diag.Nop
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Configuration{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	var doc document
	if len(root.Content) > 0 {
		top := root.Content[0]
		if top.Kind != yaml.MappingNode {
			return Configuration{}, fmt.Errorf("failed to parse configuration: document is not a mapping")
		}
		for i := 0; i+1 < len(top.Content); i += 2 {
			if key := top.Content[i].Value; !knownKeys[key] {
				sink.Debugf("configuration: ignoring unknown key %q (line %d)", key, top.Content[i].Line)
			}
		}
		if err := top.Decode(&doc); err != nil {
			return Configuration{}, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"adapter", doc.Adapter},
		{"logManager", doc.LogManager},
		{"logger", doc.Logger},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Configuration{}, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	cfg := Configuration{
		AdapterModule:     strings.TrimSpace(doc.Adapter),
		LogManagerType:    strings.TrimSpace(doc.LogManager),
		LoggerType:        strings.TrimSpace(doc.Logger),
		StaticLoggerType:  strings.TrimSpace(doc.StaticLogger),
		TraceConstructors: true,
	}
	if doc.TraceExceptions != nil {
		cfg.TraceExceptions = *doc.TraceExceptions
	}
	if doc.TraceConstructors != nil {
		cfg.TraceConstructors = *doc.TraceConstructors
	}

	var rules []filter.Rule
	for _, node := range doc.Filter {
		if r, ok := parseRule(&node, sink); ok {
			rules = append(rules, r)
		}
	}
	if len(doc.Filter) > 0 && len(rules) == 0 {
		sink.Warningf("configuration: no filter rule survived, falling back to %s", filter.DefaultRule)
	}
	cfg.Filter = filter.NewRuleSet(rules...)
	return cfg, nil
}

func parseRule(node *yaml.Node, sink diag.Sink) (filter.Rule, bool) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		sink.Warningf("configuration: filter entry at line %d must have exactly one rule kind, dropped", node.Line)
		return filter.Rule{}, false
	}
	kindName, body := node.Content[0].Value, node.Content[1]
	var kind filter.RuleKind
	switch kindName {
	case "traceOn":
		kind = filter.TraceOn
	case "noTrace":
		kind = filter.NoTrace
	default:
		sink.Debugf("configuration: ignoring unknown filter element %q (line %d)", kindName, node.Line)
		return filter.Rule{}, false
	}

	var rd ruleDocument
	if err := body.Decode(&rd); err != nil {
		sink.Warningf("configuration: %s rule at line %d: %v, dropped", kindName, node.Line, err)
		return filter.Rule{}, false
	}
	r, err := buildRule(kind, rd)
	if err != nil {
		sink.Warningf("configuration: %s rule at line %d: %v, dropped", kindName, node.Line, err)
		return filter.Rule{}, false
	}
	return r, true
}

func buildRule(kind filter.RuleKind, rd ruleDocument) (filter.Rule, error) {
	scope, err := filter.ParseScope(rd.Namespace)
	if err != nil {
		return filter.Rule{}, err
	}
	r := filter.Rule{Kind: kind, Scope: scope}
	if kind == filter.NoTrace {
		return r, nil
	}
	r.Min, r.Max = bytecode.Private, bytecode.Public
	if rd.MinVisibility != "" {
		if r.Min, err = bytecode.ParseVisibility(rd.MinVisibility); err != nil {
			return filter.Rule{}, err
		}
	}
	if rd.MaxVisibility != "" {
		if r.Max, err = bytecode.ParseVisibility(rd.MaxVisibility); err != nil {
			return filter.Rule{}, err
		}
	}
	if r.Min > r.Max {
		return filter.Rule{}, fmt.Errorf("minVisibility %s is wider than maxVisibility %s", r.Min, r.Max)
	}
	return r, nil
}

// ApplyEnv overrides the boolean switches from the environment.
func ApplyEnv(cfg Configuration, lookup func(string) (string, bool)) (Configuration, error) {
	for _, o := range []struct {
		env    string
		target *bool
	}{
		{EnvTraceExceptions, &cfg.TraceExceptions},
		{EnvTraceConstructors, &cfg.TraceConstructors},
	} {
		v, ok := lookup(o.env)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", o.env, err)
		}
		*o.target = b
	}
	return cfg, nil
}
