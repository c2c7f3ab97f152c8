// Package cif implements the Ingress/Egress Filter (component C8): size,
// depth, and schema enforcement plus pattern-based scanning for
// prompt-injection markers, path traversal, and secret leakage, on both the
// inbound and outbound edges of every governed request.
package cif

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is one structured filter failure.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Status enumerates the outcome of a filter pass.
type Status string

const (
	StatusSanitized Status = "sanitized"
	StatusScrubbed  Status = "scrubbed"
	StatusViolation Status = "violation"
)

// Result is the outcome of Ingress or Egress.
type Result struct {
	Status     Status
	Payload    any
	Violations []Violation
	ReasonCode string // CIF_INGRESS_BLOCKED / CIF_EGRESS_BLOCKED when Status == StatusViolation
}

// Limits bound the shape of any payload passing through the filter.
type Limits struct {
	MaxPayloadBytes int
	MaxStringLength int
	MaxArrayLength  int
	MaxDepth        int
}

// DefaultLimits mirror conservative per-request caps; callers override via
// config for specific endpoints.
var DefaultLimits = Limits{
	MaxPayloadBytes: 1 << 20, // 1 MiB
	MaxStringLength: 64 * 1024,
	MaxArrayLength:  1000,
	MaxDepth:        16,
}

// EgressStrictness controls whether Egress fails closed or redacts on a
// secret-leak match.
type EgressStrictness string

const (
	EgressStrict EgressStrictness = "strict" // fail closed on any match
	EgressRedact EgressStrictness = "redact" // replace matches, return scrubbed
)

var (
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(sk|pk)-(live|test)-[A-Za-z0-9]{16,}\b`),
		regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token)["']?\s*[:=]\s*["']?[A-Za-z0-9/_\-\.]{12,}["']?`),
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	}
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
		regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
		regexp.MustCompile(`(?i)disregard (your|the) (system|safety) prompt`),
	}
	traversalPattern = regexp.MustCompile(`\.\./|\.\.\\`)
)

// QuarantineEntry records one blocked ingress payload for later forensic
// review. Bounded by the ring's capacity; oldest entries are evicted first.
type QuarantineEntry struct {
	Payload    any
	Violations []Violation
}

// Filter enforces CIF ingress/egress rules for a configured set of
// per-endpoint schemas.
type Filter struct {
	limits      Limits
	strictness  EgressStrictness
	compiler    *jsonschema.Compiler
	mu          sync.RWMutex
	schemas     map[string]*jsonschema.Schema
	quarantine  []QuarantineEntry
	quarantineN int
}

// New constructs a Filter with the given limits and egress strictness.
func New(limits Limits, strictness EgressStrictness, quarantineCapacity int) *Filter {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return &Filter{
		limits:      limits,
		strictness:  strictness,
		compiler:    c,
		schemas:     make(map[string]*jsonschema.Schema),
		quarantineN: quarantineCapacity,
	}
}

// RegisterSchema compiles and binds a JSON Schema to an endpoint name.
func (f *Filter) RegisterSchema(endpoint, schemaJSON string) error {
	url := fmt.Sprintf("https://mathison.schemas.local/cif/%s.schema.json", endpoint)
	if err := f.compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("cif: load schema for %s: %w", endpoint, err)
	}
	compiled, err := f.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("cif: compile schema for %s: %w", endpoint, err)
	}
	f.mu.Lock()
	f.schemas[endpoint] = compiled
	f.mu.Unlock()
	return nil
}

// Ingress validates an inbound payload: size/depth caps, schema (if
// registered for endpoint), and pattern scanners for prompt injection,
// path traversal, and secrets. Any violation quarantines the payload and
// returns CIF_INGRESS_BLOCKED.
func (f *Filter) Ingress(endpoint string, payload any, rawSize int) Result {
	var violations []Violation

	if rawSize > f.limits.MaxPayloadBytes {
		violations = append(violations, Violation{Field: "$", Code: "PAYLOAD_TOO_LARGE", Message: fmt.Sprintf("payload is %d bytes, max %d", rawSize, f.limits.MaxPayloadBytes)})
	}

	violations = append(violations, f.checkShape(payload, "$", 0)...)

	f.mu.RLock()
	schema, hasSchema := f.schemas[endpoint]
	f.mu.RUnlock()
	if hasSchema {
		if err := schema.Validate(payload); err != nil {
			violations = append(violations, Violation{Field: "$", Code: "SCHEMA_INVALID", Message: err.Error()})
		}
	}

	violations = append(violations, scanStrings(payload, "$", injectionPatterns, "PROMPT_INJECTION")...)
	violations = append(violations, scanStrings(payload, "$", []*regexp.Regexp{traversalPattern}, "PATH_TRAVERSAL")...)
	violations = append(violations, scanStrings(payload, "$", secretPatterns, "SECRET_DETECTED")...)

	if len(violations) > 0 {
		f.quarantineLocked(payload, violations)
		return Result{Status: StatusViolation, Violations: violations, ReasonCode: "CIF_INGRESS_BLOCKED"}
	}

	return Result{Status: StatusSanitized, Payload: payload}
}

// Egress enforces the same size caps on an outbound payload and scans for
// secret leakage. Under EgressRedact, matches are replaced with
// "[REDACTED]" and the result is Scrubbed; under EgressStrict, any match
// fails closed with CIF_EGRESS_BLOCKED.
func (f *Filter) Egress(payload any, rawSize int) Result {
	var violations []Violation
	if rawSize > f.limits.MaxPayloadBytes {
		violations = append(violations, Violation{Field: "$", Code: "PAYLOAD_TOO_LARGE", Message: fmt.Sprintf("payload is %d bytes, max %d", rawSize, f.limits.MaxPayloadBytes)})
		return Result{Status: StatusViolation, Violations: violations, ReasonCode: "CIF_EGRESS_BLOCKED"}
	}

	matches := scanStrings(payload, "$", secretPatterns, "SECRET_DETECTED")
	if len(matches) == 0 {
		return Result{Status: StatusSanitized, Payload: payload}
	}

	if f.strictness == EgressStrict {
		return Result{Status: StatusViolation, Violations: matches, ReasonCode: "CIF_EGRESS_BLOCKED"}
	}

	redacted := redact(payload, secretPatterns)
	return Result{Status: StatusScrubbed, Payload: redacted, Violations: matches}
}

// Quarantine returns a snapshot of the current quarantine ring, oldest
// first.
func (f *Filter) Quarantine() []QuarantineEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]QuarantineEntry, len(f.quarantine))
	copy(out, f.quarantine)
	return out
}

func (f *Filter) quarantineLocked(payload any, violations []Violation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantine = append(f.quarantine, QuarantineEntry{Payload: payload, Violations: violations})
	if f.quarantineN > 0 && len(f.quarantine) > f.quarantineN {
		f.quarantine = f.quarantine[len(f.quarantine)-f.quarantineN:]
	}
}

func (f *Filter) checkShape(v any, field string, depth int) []Violation {
	if depth > f.limits.MaxDepth {
		return []Violation{{Field: field, Code: "DEPTH_EXCEEDED", Message: fmt.Sprintf("exceeds max depth %d at %s", f.limits.MaxDepth, field)}}
	}
	var out []Violation
	switch t := v.(type) {
	case string:
		if len(t) > f.limits.MaxStringLength {
			out = append(out, Violation{Field: field, Code: "STRING_TOO_LONG", Message: fmt.Sprintf("string at %s exceeds max length %d", field, f.limits.MaxStringLength)})
		}
	case []any:
		if len(t) > f.limits.MaxArrayLength {
			out = append(out, Violation{Field: field, Code: "ARRAY_TOO_LONG", Message: fmt.Sprintf("array at %s exceeds max length %d", field, f.limits.MaxArrayLength)})
		}
		for i, elem := range t {
			out = append(out, f.checkShape(elem, fmt.Sprintf("%s[%d]", field, i), depth+1)...)
		}
	case map[string]any:
		for k, elem := range t {
			out = append(out, f.checkShape(elem, field+"."+k, depth+1)...)
		}
	}
	return out
}

func scanStrings(v any, field string, patterns []*regexp.Regexp, code string) []Violation {
	var out []Violation
	switch t := v.(type) {
	case string:
		for _, p := range patterns {
			if p.MatchString(t) {
				out = append(out, Violation{Field: field, Code: code, Message: fmt.Sprintf("matched pattern at %s", field)})
				break
			}
		}
	case []any:
		for i, elem := range t {
			out = append(out, scanStrings(elem, fmt.Sprintf("%s[%d]", field, i), patterns, code)...)
		}
	case map[string]any:
		for k, elem := range t {
			out = append(out, scanStrings(elem, field+"."+k, patterns, code)...)
		}
	}
	return out
}

func redact(v any, patterns []*regexp.Regexp) any {
	switch t := v.(type) {
	case string:
		out := t
		for _, p := range patterns {
			out = p.ReplaceAllString(out, "[REDACTED]")
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = redact(elem, patterns)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = redact(elem, patterns)
		}
		return out
	default:
		return v
	}
}
