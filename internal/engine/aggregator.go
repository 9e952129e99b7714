package engine

import "github.com/ferrostat/go-panelwatch/internal/domain"

// aggregateInput is everything the label derivation needs, precomputed so
// the derivation itself stays a pure priority chain.
type aggregateInput struct {
	stopped   bool
	resetting bool
	loading   bool

	master    *domain.MasterStatus
	troubleOn bool

	dataStale   bool
	zoneCount   int
	accumAlarms int
}

// aggregate derives the single display label. The cases are ordered by
// display priority; the first that applies wins.
func aggregate(in aggregateInput) domain.StatusLabel {
	switch {
	case in.stopped:
		return domain.LabelSystemError
	case in.resetting:
		return domain.LabelSystemResetting
	case in.loading:
		return domain.LabelLoading
	}

	if in.master != nil && in.master.Drill {
		return domain.LabelAlarmDrill
	}

	// An alarm holds while the indicator is lit or while this episode has
	// accumulated alarm zones, whichever lasts longer.
	if (in.master != nil && in.master.Alarm) || in.accumAlarms > 0 {
		return domain.LabelAlarm
	}

	if in.troubleOn {
		return domain.LabelSystemTrouble
	}

	if in.master != nil {
		if in.master.Silenced {
			return domain.LabelSystemSilenced
		}
		if in.master.Disabled {
			return domain.LabelSystemDisabled
		}
	}

	if in.dataStale || in.zoneCount == 0 {
		return domain.LabelNoData
	}

	return domain.LabelSystemNormal
}
