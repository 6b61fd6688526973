package render

import (
	"fmt"
	"time"
)

// RenderMap applies templates to each value in a map.
func RenderMap(values map[string]string, ctx TemplateContext, engine *Engine) (map[string]string, error) {
	if len(values) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(values))
	for key, val := range values {
		rendered, err := engine.RenderString(val, ctx)
		if err != nil {
			return nil, err
		}
		out[key] = rendered
	}
	return out, nil
}

// formatPercent renders a 0..1 rate as a human percentage.
func formatPercent(v interface{}) (string, error) {
	f, err := asFloat(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%.1f%%", f*100), nil
}

// formatDuration renders seconds or a time.Duration as a compact string.
func formatDuration(v interface{}) (string, error) {
	switch d := v.(type) {
	case time.Duration:
		return d.Round(time.Millisecond).String(), nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return "", fmt.Errorf("duration helper: %w", err)
		}
		return parsed.Round(time.Millisecond).String(), nil
	default:
		f, err := asFloat(v)
		if err != nil {
			return "", err
		}
		return time.Duration(f * float64(time.Second)).Round(time.Millisecond).String(), nil
	}
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot treat %T as number", v)
	}
}
