package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

func TestRulesHealth(t *testing.T) {
	rules, err := validation.DefaultRules()
	require.NoError(t, err)

	hm := monitoring.NewHealthManager("scribe-test", "test")
	hm.RegisterChecker("safety_rules", monitoring.NewCustomHealthChecker(rulesHealth(rules, "")))

	report := hm.CheckHealth(context.Background())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, monitoring.HealthStatusHealthy, report.Checks[0].Status)
	assert.Equal(t, "embedded", report.Checks[0].Details["source"])

	delete(rules.Profiles, types.DocumentTypeLabSummary)
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, monitoring.HealthStatusDegraded, report.Status)
	assert.Contains(t, report.Checks[0].Message, "lab_summary")
}
