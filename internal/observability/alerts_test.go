package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertFile struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestClosingAlertRules(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "closing.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var file alertFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}

	var closingGroup *alertGroup
	for i := range file.Groups {
		if file.Groups[i].Name == "closing" {
			closingGroup = &file.Groups[i]
			break
		}
	}
	if closingGroup == nil {
		t.Fatal("closing alert group missing")
	}

	expected := map[string]struct {
		severity string
		metric   string
	}{
		"ClosureStepFailures": {severity: "critical", metric: "ohada_closure_steps_total"},
		"ClosureJobFailures":  {severity: "warning", metric: "ohada_jobs_failures_total"},
		"ClosingAPIErrorRate": {severity: "critical", metric: "ohada_http_requests_total"},
		"ClosureStepSlow":     {severity: "warning", metric: "ohada_closure_step_duration_seconds_bucket"},
	}

	if len(closingGroup.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(closingGroup.Rules))
	}

	for _, rule := range closingGroup.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != want.severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if !strings.Contains(rule.Expr, want.metric) {
			t.Fatalf("rule %s must query %s", rule.Alert, want.metric)
		}
		if !strings.HasPrefix(rule.Annotations["runbook"], "docs/runbook-closing.md#") {
			t.Fatalf("rule %s runbook mismatch: %s", rule.Alert, rule.Annotations["runbook"])
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
	}
}
