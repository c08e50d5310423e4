package usecase

import "context"

// VerdictStats represents aggregated verification insights.
type VerdictStats struct {
	TotalVerdicts     int64         `json:"total_verdicts"`
	FinishedVerdicts  int64         `json:"finished_verdicts"`
	SuccessRate       float64       `json:"success_rate"`
	AverageSamples    float64       `json:"average_samples"`
	AverageDurationMs float64       `json:"average_duration_ms"`
	ActiveSessions    int           `json:"active_sessions"`
	GalleryIdentities int           `json:"gallery_identities"`
	ByOption          []OptionStats `json:"by_option"`
}

// OptionStats summarises the verdicts of one detection option.
type OptionStats struct {
	Option           string  `json:"option"`
	TotalVerdicts    int64   `json:"total_verdicts"`
	FinishedVerdicts int64   `json:"finished_verdicts"`
	SuccessRate      float64 `json:"success_rate"`
}

// GetVerdictStats aggregates verification metrics from persisted verdicts.
func (uc *LivenessUseCase) GetVerdictStats(ctx context.Context) (*VerdictStats, error) {
	stats := &VerdictStats{
		ActiveSessions:    uc.ActiveSessions(),
		GalleryIdentities: len(uc.gallery.Identities()),
		ByOption:          []OptionStats{},
	}
	if uc.repo == nil {
		return stats, nil
	}

	aggregation, err := uc.repo.AggregateVerdicts(ctx)
	if err != nil {
		return nil, err
	}

	stats.TotalVerdicts = aggregation.TotalCount
	stats.FinishedVerdicts = aggregation.FinishedCount
	stats.SuccessRate = rate(aggregation.FinishedCount, aggregation.TotalCount)
	stats.AverageSamples = aggregation.AverageSamples
	stats.AverageDurationMs = aggregation.AverageDurationMs
	for _, row := range aggregation.ByOption {
		stats.ByOption = append(stats.ByOption, OptionStats{
			Option:           row.Option,
			TotalVerdicts:    row.TotalCount,
			FinishedVerdicts: row.FinishedCount,
			SuccessRate:      rate(row.FinishedCount, row.TotalCount),
		})
	}
	return stats, nil
}

func rate(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
