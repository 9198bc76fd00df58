package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// recordRules are the destination-side constraints checked before a row is
// written, keyed by table.
var recordRules = map[string]map[string]interface{}{
	"labels": {
		"title": "required,max=255",
		"color": "omitempty,hexcolor",
	},
	"milestones": {
		"title": "required,max=255",
		"iid":   "omitempty,gt=0",
		"state": "omitempty,oneof=active closed",
	},
	"issues": {
		"title":     "required,max=255",
		"iid":       "omitempty,gt=0",
		"state":     "omitempty,oneof=opened closed",
		"author_id": "required",
	},
	"notes": {
		"noteable_type": "required",
		"author_id":     "required",
	},
	"epics": {
		"title":     "required,max=255",
		"author_id": "required",
	},
	"merge_requests": {
		"title":         "required,max=255",
		"source_branch": "required",
		"target_branch": "required",
		"state":         "omitempty,oneof=opened closed merged locked",
		"author_id":     "required",
	},
	"merge_request_diff_commits": {
		"sha": "required",
	},
	"merge_request_diff_commit_users": {
		"name":  "omitempty,max=255",
		"email": "omitempty,max=255",
	},
	"design_management_designs": {
		"filename": "required,max=255",
	},
	"ci_pipelines": {
		"status": "required,oneof=success failed canceled skipped manual",
		"ref":    "omitempty,max=255",
	},
	"ci_stages": {
		"name":   "required",
		"status": "omitempty,oneof=success failed canceled skipped manual",
	},
	"ci_builds": {
		"name":   "required",
		"status": "omitempty,oneof=success failed canceled skipped manual",
	},
	"ci_triggers": {
		"owner_id": "required",
		"token":    "required",
	},
	"protected_branches": {
		"name": "required,max=255",
	},
	"protected_branch_merge_access_levels": {
		"access_level": "oneof=0 30 40 50",
	},
	"protected_branch_push_access_levels": {
		"access_level": "oneof=0 30 40 50",
	},
}

// ValidateRecord checks attrs against the constraints registered for table.
// Tables without rules always pass.
func ValidateRecord(typeName TypeName, table string, attrs map[string]any) error {
	rules, ok := recordRules[table]
	if !ok {
		return nil
	}

	attrs, err := checkEnums(typeName, rules, attrs)
	if err != nil {
		return err
	}

	errs := validatorInstance().ValidateMap(attrs, rules)
	if len(errs) == 0 {
		return nil
	}

	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	reasons := make([]string, 0, len(fields))
	for _, field := range fields {
		reasons = append(reasons, fmt.Sprintf("%s: %v", field, errs[field]))
	}

	return &ValidationError{
		Type:   typeName,
		Field:  fields[0],
		Reason: strings.Join(reasons, "; "),
	}
}

// checkEnums makes sure every oneof field holds a value of the enum's kind
// before the validator sees it; oneof panics on floats, bools and on
// strings compared against numeric options. Integral JSON numbers are
// narrowed to int64 in a copy of attrs.
func checkEnums(typeName TypeName, rules map[string]interface{}, attrs map[string]any) (map[string]any, error) {
	var checked map[string]any
	for field, rule := range rules {
		options, ok := oneofOptions(rule.(string))
		if !ok {
			continue
		}
		v, present := attrs[field]
		if !present || v == nil {
			continue
		}

		if !numericOptions(options) {
			if _, ok := v.(string); !ok {
				return nil, &ValidationError{Type: typeName, Field: field, Reason: fmt.Sprintf("expected one of %s, got %T", strings.Join(options, " "), v)}
			}
			continue
		}

		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if n != math.Trunc(n) {
				return nil, &ValidationError{Type: typeName, Field: field, Reason: fmt.Sprintf("expected an integer, got %v", n)}
			}
			if checked == nil {
				checked = make(map[string]any, len(attrs))
				for k, val := range attrs {
					checked[k] = val
				}
			}
			checked[field] = int64(n)
		default:
			return nil, &ValidationError{Type: typeName, Field: field, Reason: fmt.Sprintf("expected an integer, got %T", v)}
		}
	}
	if checked != nil {
		return checked, nil
	}
	return attrs, nil
}

func oneofOptions(rule string) ([]string, bool) {
	for _, part := range strings.Split(rule, ",") {
		if opts, ok := strings.CutPrefix(part, "oneof="); ok {
			return strings.Fields(opts), true
		}
	}
	return nil, false
}

func numericOptions(options []string) bool {
	for _, o := range options {
		if _, err := strconv.ParseInt(o, 10, 64); err != nil {
			return false
		}
	}
	return len(options) > 0
}
