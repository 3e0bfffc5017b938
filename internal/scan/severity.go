package scan

import (
	"encoding/json"
	"strings"
)

// SeverityCounts aggregates vulnerability findings by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the sum across all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Add merges another count set into the receiver.
func (c *SeverityCounts) Add(other SeverityCounts) {
	c.Critical += other.Critical
	c.High += other.High
	c.Medium += other.Medium
	c.Low += other.Low
}

func (c *SeverityCounts) count(severity string) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical":
		c.Critical++
	case "high":
		c.High++
	case "medium":
		c.Medium++
	case "low":
		c.Low++
	}
}

// nestedReport matches the Results/Vulnerabilities report layout.
type nestedReport struct {
	Results []struct {
		Vulnerabilities []struct {
			Severity string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// matchReport matches the matches/vulnerability report layout.
type matchReport struct {
	Matches []struct {
		Vulnerability struct {
			Severity string `json:"severity"`
		} `json:"vulnerability"`
	} `json:"matches"`
}

// AggregateSeverities walks every report shape the orchestrator knows how to
// read and sums findings by severity. Reports in unknown shapes contribute
// nothing rather than failing the aggregation.
func AggregateSeverities(reports Reports) SeverityCounts {
	var counts SeverityCounts
	for _, raw := range reports {
		if len(raw) == 0 {
			continue
		}
		var nested nestedReport
		if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Results) > 0 {
			for _, res := range nested.Results {
				for _, vuln := range res.Vulnerabilities {
					counts.count(vuln.Severity)
				}
			}
			continue
		}
		var matched matchReport
		if err := json.Unmarshal(raw, &matched); err == nil {
			for _, m := range matched.Matches {
				counts.count(m.Vulnerability.Severity)
			}
		}
	}
	return counts
}
