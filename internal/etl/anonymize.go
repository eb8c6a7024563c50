package etl

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ── Anonymizer ─────────────────────────────────────────────
// Flattens nested sub-objects into the top level and applies a fixed
// per-field redaction registry.

// Mask is the token every fully redacted field is replaced with.
const Mask = "****"

// Unknown is the sentinel for values that could not be derived.
const Unknown = "unknown"

// Rule redacts a single field value. Rules must be pure; an error (or a
// panic) degrades that field to nil for the offending record only.
type Rule func(value any) (any, error)

// AnonymizationConfig is the static redaction registry handed to the
// Anonymizer. Fields without a rule pass through unchanged.
type AnonymizationConfig struct {
	NestedFields []string
	Rules        map[string]Rule
}

// DefaultAnonymization returns the registry used for the persons feed.
func DefaultAnonymization() AnonymizationConfig {
	return AnonymizationConfig{
		NestedFields: []string{"address"},
		Rules: map[string]Rule{
			"firstname":      MaskRule,
			"lastname":       MaskRule,
			"email":          EmailRule,
			"phone":          MaskRule,
			"street":         MaskRule,
			"streetName":     MaskRule,
			"buildingNumber": MaskRule,
			"zipcode":        MaskRule,
			"latitude":       MaskRule,
			"longitude":      MaskRule,
		},
	}
}

// MaskRule replaces any value with Mask.
func MaskRule(any) (any, error) { return Mask, nil }

// EmailRule masks the local part of an address and keeps the domain.
// Anything that is not a string containing "@" becomes Unknown.
func EmailRule(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return Unknown, nil
	}
	_, domain, found := strings.Cut(s, "@")
	if !found {
		return Unknown, nil
	}
	return Mask + "@" + domain, nil
}

// FieldResult is the outcome of applying a rule to one value.
// Failed distinguishes a redaction failure from a legitimately nil value.
type FieldResult struct {
	Value  any
	Failed bool
	Err    error
}

// ApplyRule runs rule against value, converting errors and panics into a
// failed result with a nil value.
func ApplyRule(rule Rule, value any) (res FieldResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FieldResult{Failed: true, Err: Error.New("rule panicked: %v", r)}
		}
	}()
	v, err := rule(value)
	if err != nil {
		return FieldResult{Failed: true, Err: err}
	}
	return FieldResult{Value: v}
}

// Anonymizer applies an AnonymizationConfig to raw records.
type Anonymizer struct {
	log    *zap.Logger
	config AnonymizationConfig
}

// NewAnonymizer creates an Anonymizer for the given registry.
func NewAnonymizer(log *zap.Logger, config AnonymizationConfig) *Anonymizer {
	return &Anonymizer{log: log, config: config}
}

// Anonymize flattens and redacts every record and returns the ragged
// union of the resulting fields. It never fails.
func (a *Anonymizer) Anonymize(records []Record) *Table {
	a.log.Info("starting anonymization", zap.Int("records", len(records)))

	rows := make([]Record, 0, len(records))
	failures := 0
	for idx, rec := range records {
		flat := a.Flatten(rec)
		for field, value := range flat.Data {
			rule, ok := a.config.Rules[field]
			if !ok {
				continue
			}
			res := ApplyRule(rule, value)
			if res.Failed {
				failures++
				a.log.Error("anonymization rule failed",
					zap.String("field", field),
					zap.Int("record", idx),
					zap.Error(res.Err))
			}
			flat.Data[field] = res.Value
		}
		rows = append(rows, flat)
	}

	a.log.Info("anonymization complete",
		zap.Int("records", len(rows)),
		zap.Int("failedFields", failures))
	return NewTable(rows)
}

// Flatten merges the declared nested sub-objects into the top level.
// Top-level keys win on collision. The nested key itself is removed, and
// any other composite value left over is serialized as a JSON string, so
// no nested object survives.
func (a *Anonymizer) Flatten(rec Record) Record {
	flat := rec.Clone()
	for _, nested := range a.config.NestedFields {
		v, ok := flat.Data[nested]
		if !ok {
			continue
		}
		delete(flat.Data, nested)
		sub, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for k, sv := range sub {
			if _, exists := rec.Data[k]; exists {
				continue
			}
			if _, exists := flat.Data[k]; exists {
				continue
			}
			flat.Data[k] = sv
		}
	}

	for k, v := range flat.Data {
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				flat.Data[k] = fmt.Sprint(v)
				continue
			}
			flat.Data[k] = string(b)
		}
	}
	return flat
}
