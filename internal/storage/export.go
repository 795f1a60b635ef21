package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/goaltrack/internal/model"
)

// ExportVersion is the envelope version written by Export.
//
//	1: bare array, `category` instead of `domains`, `steps` strings,
//	   dates as strings or missing.
//	2: `domains`, `nextSteps` strings, `nextStepStatus` keyed by step text.
//	3: `nextSteps` objects with stable ids, `nextStepStatus` keyed by id,
//	   wrapped in {version, exportDate, goals}.
const ExportVersion = 3

type Envelope struct {
	Version    int          `json:"version"`
	ExportDate time.Time    `json:"exportDate"`
	Goals      []model.Goal `json:"goals"`
}

// EncodeExport writes goals as a current-version envelope.
func EncodeExport(goals []model.Goal, now time.Time) ([]byte, error) {
	if goals == nil {
		goals = []model.Goal{}
	}
	env := Envelope{
		Version:    ExportVersion,
		ExportDate: now.UTC(),
		Goals:      goals,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// DecodeImport parses an export payload of any supported version, migrates
// each goal to the current shape and validates the result. Errors wrap
// ErrMalformedPayload.
func DecodeImport(payload []byte) ([]model.Goal, error) {
	docs, version, err := splitPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if version > ExportVersion {
		return nil, fmt.Errorf("%w: unsupported export version %d", ErrMalformedPayload, version)
	}

	goals := make([]model.Goal, 0, len(docs))
	for i, doc := range docs {
		g, err := migrateGoal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: goal %d: %w", ErrMalformedPayload, i, err)
		}
		goals = append(goals, g)
	}

	goals, err = PrepareGoals(goals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return goals, nil
}

type goalDoc = map[string]any

func splitPayload(payload []byte) ([]goalDoc, int, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, 0, errors.New("empty payload")
	}

	if trimmed[0] == '[' {
		var docs []goalDoc
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, 0, fmt.Errorf("decode goal array: %w", err)
		}
		return docs, 1, nil
	}

	var env struct {
		Version int       `json:"version"`
		Goals   []goalDoc `json:"goals"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, 0, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Goals == nil {
		return nil, 0, errors.New("envelope has no goals field")
	}
	return env.Goals, env.Version, nil
}

// docVersion infers the schema version of a single goal document. Bare
// arrays were written by every version, so the envelope version is only an
// upper bound.
func docVersion(doc goalDoc) int {
	if steps, ok := doc["nextSteps"].([]any); ok {
		for _, s := range steps {
			if _, isObj := s.(map[string]any); isObj {
				return 3
			}
		}
		if _, hasStatus := doc["nextStepStatus"]; hasStatus || len(steps) > 0 {
			return 2
		}
	}
	if _, ok := doc["domains"]; ok {
		return 2
	}
	if _, ok := doc["category"]; ok {
		return 1
	}
	if _, ok := doc["steps"]; ok {
		return 1
	}
	return 3
}

var migrations = map[int]func(goalDoc) goalDoc{
	1: migrateV1toV2,
	2: migrateV2toV3,
}

func migrateGoal(doc goalDoc) (model.Goal, error) {
	if doc == nil {
		return model.Goal{}, errors.New("goal is null")
	}
	for v := docVersion(doc); v < ExportVersion; v++ {
		doc = migrations[v](doc)
	}
	if err := canonicalDates(doc); err != nil {
		return model.Goal{}, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return model.Goal{}, fmt.Errorf("re-encode goal: %w", err)
	}
	var g model.Goal
	if err := json.Unmarshal(data, &g); err != nil {
		return model.Goal{}, fmt.Errorf("decode goal: %w", err)
	}
	return g, nil
}

// migrateV1toV2 renames category to domains and steps to nextSteps, and
// fills the start date the first schema did not have.
func migrateV1toV2(doc goalDoc) goalDoc {
	if _, ok := doc["domains"]; !ok {
		switch cat := doc["category"].(type) {
		case string:
			doc["domains"] = []any{cat}
		case []any:
			doc["domains"] = cat
		}
	}
	delete(doc, "category")

	if _, ok := doc["nextSteps"]; !ok {
		if steps, ok := doc["steps"]; ok {
			doc["nextSteps"] = steps
		}
	}
	delete(doc, "steps")
	delete(doc, "completed")

	if _, ok := doc["startDate"]; !ok {
		for _, k := range []string{"createdAt", "lastModified", "deadline"} {
			if v, ok := doc[k]; ok && v != nil {
				doc["startDate"] = v
				break
			}
		}
	}
	delete(doc, "createdAt")
	return doc
}

// migrateV2toV3 gives every next step a stable id derived from the goal id
// and its position, and re-keys nextStepStatus from step text to step id.
// Deriving ids keeps repeated imports of the same file idempotent.
func migrateV2toV3(doc goalDoc) goalDoc {
	goalID, _ := doc["id"].(string)
	raw, _ := doc["nextSteps"].([]any)
	oldStatus, _ := doc["nextStepStatus"].(map[string]any)

	steps := make([]any, 0, len(raw))
	status := make(map[string]any)
	for i, s := range raw {
		text, ok := s.(string)
		if !ok {
			continue
		}
		id := fmt.Sprintf("%s-step-%d", goalID, i+1)
		steps = append(steps, map[string]any{"id": id, "text": text})
		if done, ok := oldStatus[text]; ok {
			status[id] = done
		}
	}
	doc["nextSteps"] = steps
	doc["nextStepStatus"] = status
	return doc
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts the date representations found in older exports:
// RFC 3339 strings, bare dates, local date-times and unix milliseconds.
func ParseDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date %q", t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unrecognized date %v", v)
	}
}

// canonicalDates rewrites every date field of a goal document as an
// RFC 3339 string so it decodes into time.Time.
func canonicalDates(doc goalDoc) error {
	fix := func(m map[string]any, key string) error {
		v, ok := m[key]
		if !ok || v == nil {
			delete(m, key)
			return nil
		}
		t, err := ParseDate(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		m[key] = t.Format(time.RFC3339Nano)
		return nil
	}

	for _, key := range []string{"startDate", "deadline", "lastModified"} {
		if err := fix(doc, key); err != nil {
			return err
		}
	}
	for _, list := range []string{"events", "history"} {
		items, _ := doc[list].([]any)
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("%s[%d] is not an object", list, i)
			}
			if err := fix(m, "date"); err != nil {
				return fmt.Errorf("%s[%d]: %w", list, i, err)
			}
		}
	}
	return nil
}
