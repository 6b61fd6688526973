package validator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"
)

// AssertionResult records a single assertion verdict inside an outcome.
type AssertionResult struct {
	Kind    string `json:"kind"`
	Op      string `json:"op,omitempty"`
	Path    string `json:"path,omitempty"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type assertionSpec struct {
	Kind  string      `mapstructure:"kind"`
	Op    string      `mapstructure:"op"`
	Path  string      `mapstructure:"path"`
	Value interface{} `mapstructure:"value"`
}

func allPassed(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// scoreAssertions converts assertion verdicts into a 0..100 score.
func scoreAssertions(results []AssertionResult) float64 {
	if len(results) == 0 {
		return 100
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(results))
}

// httpAssertions evaluates assertion specs against a settled HTTP exchange.
func httpAssertions(specs []assertionSpec, resp *http.Response, body []byte, latency time.Duration) []AssertionResult {
	bodyString := string(body)

	var jsonBody interface{}
	var jsonErr error
	var parsed bool

	results := make([]AssertionResult, 0, len(specs))
	for _, spec := range specs {
		result := AssertionResult{Kind: spec.Kind, Op: spec.Op, Path: spec.Path}
		switch strings.ToLower(spec.Kind) {
		case "status_code":
			expect, _ := toFloat(spec.Value)
			actual := float64(resp.StatusCode)
			result.Passed = compareFloats(actual, expect, spec.Op)
			if !result.Passed {
				result.Message = fmt.Sprintf("expected status %s %.0f, got %.0f", spec.Op, expect, actual)
			}
		case "jsonpath":
			if !parsed {
				parsed = true
				jsonErr = json.Unmarshal(body, &jsonBody)
			}
			if jsonErr != nil {
				result.Passed = false
				result.Message = fmt.Sprintf("parse json: %v", jsonErr)
				break
			}
			val, err := jsonpath.JsonPathLookup(jsonBody, spec.Path)
			if err != nil {
				result.Passed = false
				result.Message = fmt.Sprintf("jsonpath lookup: %v", err)
			} else if strings.ToLower(spec.Op) == "exists" {
				result.Passed = val != nil
				if !result.Passed {
					result.Message = "jsonpath value does not exist"
				}
			} else {
				result.Passed = compareValues(val, spec.Value, spec.Op)
				if !result.Passed {
					result.Message = fmt.Sprintf("jsonpath value mismatch: got %v", val)
				}
			}
		case "body_contains":
			expect := fmt.Sprintf("%v", spec.Value)
			switch strings.ToLower(spec.Op) {
			case "regex":
				rx, err := regexp.Compile(expect)
				if err != nil {
					result.Passed = false
					result.Message = fmt.Sprintf("invalid regex %q: %v", expect, err)
				} else {
					result.Passed = rx.MatchString(bodyString)
					if !result.Passed {
						result.Message = "regex did not match body"
					}
				}
			case "contains", "":
				result.Passed = strings.Contains(bodyString, expect)
				if !result.Passed {
					result.Message = "string not found in body"
				}
			default:
				result.Passed = false
				result.Message = fmt.Sprintf("unsupported op %q", spec.Op)
			}
		case "latency_ms":
			expect, _ := toFloat(spec.Value)
			actual := float64(latency / time.Millisecond)
			result.Passed = compareFloats(actual, expect, spec.Op)
			if !result.Passed {
				result.Message = fmt.Sprintf("latency %.2fms not %s %.2fms", actual, spec.Op, expect)
			}
		case "ssl_valid_days":
			if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
				result.Passed = false
				result.Message = "no tls connection"
			} else {
				cert := resp.TLS.PeerCertificates[0]
				days := time.Until(cert.NotAfter).Hours() / 24
				expect, _ := toFloat(spec.Value)
				result.Passed = compareFloats(days, expect, spec.Op)
				if !result.Passed {
					result.Message = fmt.Sprintf("cert valid for %.0f days", days)
				}
			}
		default:
			result.Passed = false
			result.Message = fmt.Sprintf("unsupported assertion %q", spec.Kind)
		}
		results = append(results, result)
	}
	return results
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func compareFloats(actual, expected float64, op string) bool {
	switch strings.ToLower(op) {
	case "equals", "equal", "==":
		return actual == expected
	case "less_than", "<":
		return actual < expected
	case "less_than_or_equal", "<=":
		return actual <= expected
	case "greater_than", ">":
		return actual > expected
	case "greater_than_or_equal", ">=":
		return actual >= expected
	case "not_equals", "!=":
		return actual != expected
	default:
		return false
	}
}

func compareValues(actual, expected interface{}, op string) bool {
	switch strings.ToLower(op) {
	case "equals", "equal", "==":
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
	case "not_equals", "!=":
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected)
	case "in":
		allowed, err := toStringSlice(expected)
		if err != nil {
			return false
		}
		return sliceContains([]string{fmt.Sprintf("%v", actual)}, allowed)
	default:
		af, aok := toFloat(actual)
		ef, eok := toFloat(expected)
		if aok && eok {
			return compareFloats(af, ef, op)
		}
		return false
	}
}

func toStringSlice(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case []string:
		return val, nil
	default:
		return nil, fmt.Errorf("unexpected type %T for string slice", v)
	}
}

func sliceContains(actual, expected []string) bool {
	for _, exp := range expected {
		for _, act := range actual {
			if act == exp {
				return true
			}
		}
	}
	return false
}
