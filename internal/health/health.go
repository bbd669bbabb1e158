// Package health turns per-run attempt counts into coverage figures and a
// health verdict.
package health

import "github.com/JakeFAU/case-crawler/internal/crawler"

// Thresholds for the coverage verdict.
const (
	OKRatio     = 0.95
	FailedRatio = 0.10
)

// FromStatusCounts builds Coverage inputs from a status histogram. Rows left
// pending or in_progress count as failed.
func FromStatusCounts(casesTotal, planned int, byStatus map[crawler.DownloadStatus]int) crawler.Coverage {
	c := crawler.Coverage{CasesTotal: casesTotal, Planned: planned}
	for status, n := range byStatus {
		c.Attempted += n
		switch status {
		case crawler.StatusDownloaded:
			c.Succeeded += n
		case crawler.StatusSkipped:
			c.Skipped += n
		default:
			c.Failed += n
		}
	}
	return Classify(c)
}

// Classify fills Ratio and Health from the counts in c.
func Classify(c crawler.Coverage) crawler.Coverage {
	if c.Planned > 0 {
		c.Ratio = float64(c.Succeeded) / float64(c.Planned)
	} else {
		c.Ratio = 0
	}
	c.Health = verdict(c)
	return c
}

func verdict(c crawler.Coverage) crawler.Health {
	switch {
	case c.Planned <= 0:
		if c.CasesTotal > 0 && c.Succeeded == 0 {
			return crawler.HealthSuspicious
		}
		return crawler.HealthOK
	case c.Attempted == 0:
		return crawler.HealthSuspicious
	case c.Ratio >= OKRatio && c.Failed == 0:
		return crawler.HealthOK
	case c.Ratio < FailedRatio && c.Failed > 0:
		return crawler.HealthFailed
	default:
		return crawler.HealthPartial
	}
}
