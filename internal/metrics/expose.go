package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/provato/provato/internal/validation"
)

// WritePrometheus renders the current window in Prometheus text
// exposition format.
func (a *Aggregator) WritePrometheus(w io.Writer, namespace string) error {
	if namespace == "" {
		namespace = "provato"
	}
	summary := a.Summary()
	alerts := a.Alerts()

	builder := &strings.Builder{}

	fmt.Fprintf(builder, "# HELP %s_results_total Validation results recorded in the current window\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_results_total counter\n", namespace)
	types := make([]validation.TargetType, 0, len(summary.ByType))
	for target := range summary.ByType {
		types = append(types, target)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, target := range types {
		ts := summary.ByType[target]
		for _, row := range []struct {
			status string
			count  int
		}{
			{"passed", ts.Passed},
			{"failed", ts.Failed},
			{"error", ts.Errored},
		} {
			fmt.Fprintf(builder, "%s_results_total{type=\"%s\",status=\"%s\"} %d\n",
				namespace, promLabelValue(string(target)), row.status, row.count)
		}
	}
	builder.WriteString("\n")

	fmt.Fprintf(builder, "# HELP %s_success_ratio Passed results over total in the current window\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_success_ratio gauge\n", namespace)
	fmt.Fprintf(builder, "%s_success_ratio %.4f\n\n", namespace, summary.SuccessRate)

	fmt.Fprintf(builder, "# HELP %s_error_ratio Errored results over total in the current window\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_error_ratio gauge\n", namespace)
	fmt.Fprintf(builder, "%s_error_ratio %.4f\n\n", namespace, summary.ErrorRate)

	fmt.Fprintf(builder, "# HELP %s_avg_duration_seconds Average result duration in the current window\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_avg_duration_seconds gauge\n", namespace)
	fmt.Fprintf(builder, "%s_avg_duration_seconds %.6f\n\n", namespace, summary.AvgDuration.Seconds())

	if summary.ScoreCount > 0 {
		fmt.Fprintf(builder, "# HELP %s_avg_score Average result score in the current window\n", namespace)
		fmt.Fprintf(builder, "# TYPE %s_avg_score gauge\n", namespace)
		fmt.Fprintf(builder, "%s_avg_score %.2f\n\n", namespace, summary.AvgScore)
	}

	fmt.Fprintf(builder, "# HELP %s_window_start_timestamp_seconds Unix time the current window opened\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_window_start_timestamp_seconds gauge\n", namespace)
	fmt.Fprintf(builder, "%s_window_start_timestamp_seconds %.0f\n\n", namespace, float64(summary.WindowStart.Unix()))

	fmt.Fprintf(builder, "# HELP %s_alert_active Threshold alerts currently firing (1 per kind)\n", namespace)
	fmt.Fprintf(builder, "# TYPE %s_alert_active gauge\n", namespace)
	if len(alerts) == 0 {
		fmt.Fprintf(builder, "%s_alert_active 0\n", namespace)
	}
	for _, alert := range alerts {
		fmt.Fprintf(builder, "%s_alert_active{kind=\"%s\"} 1\n", namespace, promLabelValue(alert.Kind))
	}

	_, err := io.WriteString(w, builder.String())
	return err
}

func promLabelValue(input string) string {
	replacer := strings.NewReplacer("\\", `\\`, "\n", `\n`, "\"", `\"`)
	return replacer.Replace(input)
}
