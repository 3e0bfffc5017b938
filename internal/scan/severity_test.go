package scan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregateSeveritiesNestedShape(t *testing.T) {
	t.Parallel()

	reports := Reports{
		"trivy": json.RawMessage(`{
			"Version": 2,
			"Results": [
				{"Vulnerabilities": [
					{"Severity": "CRITICAL"},
					{"Severity": "HIGH"},
					{"Severity": "high"},
					{"Severity": "MEDIUM"}
				]},
				{"Vulnerabilities": [{"Severity": "LOW"}]}
			]
		}`),
	}

	counts := AggregateSeverities(reports)
	require.Equal(t, SeverityCounts{Critical: 1, High: 2, Medium: 1, Low: 1}, counts)
	require.Equal(t, 5, counts.Total())
}

func TestAggregateSeveritiesMatchShape(t *testing.T) {
	t.Parallel()

	reports := Reports{
		"grype": json.RawMessage(`{
			"matches": [
				{"vulnerability": {"severity": "Critical"}},
				{"vulnerability": {"severity": "Low"}},
				{"vulnerability": {"severity": "Negligible"}}
			]
		}`),
	}

	counts := AggregateSeverities(reports)
	require.Equal(t, SeverityCounts{Critical: 1, Low: 1}, counts)
}

func TestAggregateSeveritiesSumsAcrossTools(t *testing.T) {
	t.Parallel()

	reports := Reports{
		"trivy": json.RawMessage(`{"Results":[{"Vulnerabilities":[{"Severity":"HIGH"}]}]}`),
		"grype": json.RawMessage(`{"matches":[{"vulnerability":{"severity":"high"}}]}`),
	}

	counts := AggregateSeverities(reports)
	require.Equal(t, SeverityCounts{High: 2}, counts)
}

func TestAggregateSeveritiesTolerateUnknownShapes(t *testing.T) {
	t.Parallel()

	reports := Reports{
		"empty":    json.RawMessage(``),
		"scalar":   json.RawMessage(`42`),
		"freeform": json.RawMessage(`{"findings":["whatever"]}`),
	}

	require.Zero(t, AggregateSeverities(reports).Total())
}

func TestSeverityCountsAdd(t *testing.T) {
	t.Parallel()

	a := SeverityCounts{Critical: 1, Low: 2}
	a.Add(SeverityCounts{High: 3, Low: 1})
	require.Equal(t, SeverityCounts{Critical: 1, High: 3, Low: 3}, a)
}

func TestExtractToolVersions(t *testing.T) {
	t.Parallel()

	reports := Reports{
		"trivy":   json.RawMessage(`{"Version": 2}`),
		"grype":   json.RawMessage(`{"descriptor": {"version": "0.79.1"}}`),
		"unknown": json.RawMessage(`{"data": true}`),
	}

	versions := ExtractToolVersions(reports)
	require.Equal(t, map[string]string{"trivy": "2", "grype": "0.79.1"}, versions)
}

func TestExtractToolVersionsNilWhenNothingFound(t *testing.T) {
	t.Parallel()

	require.Nil(t, ExtractToolVersions(Reports{"x": json.RawMessage(`{}`)}))
}
