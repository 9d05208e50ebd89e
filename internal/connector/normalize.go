package connector

import (
	"strings"
	"time"

	"github.com/shiplens/shiplens/internal/model"
)

// NormalizeStatusCategory buckets a raw vendor status name.
func NormalizeStatusCategory(status string) model.StatusCategory {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case containsAny(s, "done", "closed", "resolved", "complete", "shipped", "released"):
		return model.CategoryDone
	case containsAny(s, "in progress", "in-progress", "active", "development", "in dev", "review", "testing", "qa"):
		return model.CategoryInProgress
	default:
		return model.CategoryTodo
	}
}

// NormalizeItemType buckets a raw vendor issue type name.
func NormalizeItemType(raw string) model.ItemType {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case containsAny(s, "story", "feature", "user story"):
		return model.ItemStory
	case containsAny(s, "bug", "defect", "incident"):
		return model.ItemBug
	case containsAny(s, "epic"):
		return model.ItemEpic
	default:
		return model.ItemTask
	}
}

// startedStatus reports whether a workflow status counts as work
// having begun, for cycle time measurement.
func startedStatus(status string) bool {
	s := strings.ToLower(status)
	return containsAny(s, "in progress", "active", "development")
}

func containsAny(s string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// normalizeACQuality maps free-form field values onto the AC grades.
func normalizeACQuality(raw string) model.ACQuality {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "final", "complete", "approved":
		return model.ACFinal
	case "testable", "draft ok", "reviewed":
		return model.ACTestable
	default:
		return model.ACIncomplete
	}
}

// normalizeUnitTesting maps free-form field values onto the testing
// gate states.
func normalizeUnitTesting(raw string) model.UnitTestingStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "complete", "completed", "passed":
		return model.UnitTestingDone
	case "in progress", "in_progress", "started":
		return model.UnitTestingInProgress
	case "exception approved", "exception_approved", "waived":
		return model.UnitTestingExceptionApproved
	default:
		return model.UnitTestingNotStarted
	}
}

// applyMappedFields copies DMT evidence out of vendor custom fields
// according to the source's field mappings. fields is the raw custom
// field map; lookup pulls one mapped value out of it.
func applyMappedFields(w *model.WorkItem, mappings map[string]string, lookup func(fieldID string) any) {
	get := func(logical string) any {
		id, ok := mappings[logical]
		if !ok || id == "" {
			return nil
		}
		return lookup(id)
	}
	asString := func(v any) string {
		switch t := v.(type) {
		case string:
			return t
		case map[string]any:
			return firstNonEmpty(stringField(t, "value"), stringField(t, "name"))
		}
		return ""
	}
	asFloat := func(v any) *float64 {
		if f, ok := v.(float64); ok {
			return &f
		}
		return nil
	}

	if v := asFloat(get("story_points")); v != nil {
		w.StoryPoints = v
	}
	if v := asFloat(get("ai_usage_percent")); v != nil {
		w.AIUsagePercent = v
	}
	if v := asFloat(get("coverage_percent")); v != nil {
		w.CoveragePercent = v
	}
	if v := get("ac_quality"); v != nil {
		w.ACQuality = normalizeACQuality(asString(v))
	}
	if v := get("unit_testing_status"); v != nil {
		w.UnitTestingStatus = normalizeUnitTesting(asString(v))
	}
	if v := get("reviewer_dmt_signoff"); v != nil {
		switch t := v.(type) {
		case bool:
			w.ReviewerDMTSignoff = t
		case string:
			w.ReviewerDMTSignoff = strings.EqualFold(t, "yes") || strings.EqualFold(t, "true")
		case map[string]any:
			val := asString(t)
			w.ReviewerDMTSignoff = strings.EqualFold(val, "yes") || strings.EqualFold(val, "true")
		}
	}
	if v := get("dmt_exception_required"); v != nil {
		switch t := v.(type) {
		case bool:
			w.DMTExceptionRequired = t
		case string:
			w.DMTExceptionRequired = strings.EqualFold(t, "yes") || strings.EqualFold(t, "true")
		case map[string]any:
			val := asString(t)
			w.DMTExceptionRequired = strings.EqualFold(val, "yes") || strings.EqualFold(val, "true")
		}
	}
	if v := asString(get("dmt_exception_reason")); v != "" {
		w.DMTExceptionRequired = true
		w.DMTExceptionReason = v
	}
	if v := asString(get("dmt_exception_approver")); v != "" {
		w.DMTExceptionApprover = v
	}
	if v := get("pr_links"); v != nil {
		switch t := v.(type) {
		case string:
			for _, link := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '\n' || r == ' ' }) {
				if link != "" {
					w.PRLinks = append(w.PRLinks, link)
				}
			}
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					w.PRLinks = append(w.PRLinks, s)
				}
			}
		}
	}
}

func parseRFC3339(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
