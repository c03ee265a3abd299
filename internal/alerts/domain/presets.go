package alerts

import "fmt"

// Preset names accepted by the management API.
const (
	PresetHighDraw = "high_draw"
	PresetOverTemp = "over_temp"
	PresetNoData   = "no_data"
)

// NewHighDrawRule builds a threshold rule on power draw, sustained for two
// minutes.
func NewHighDrawRule(siteID int64, deviceIDs []int64, threshold float64, schedule *Schedule) AlertRule {
	return AlertRule{
		SiteID:   siteID,
		Name:     fmt.Sprintf("High Power Draw (> %gW)", threshold),
		Enabled:  true,
		Kind:     KindThreshold,
		Schedule: schedule,
		Threshold: &ThresholdParams{
			DeviceIDs:       deviceIDs,
			Key:             "power",
			Op:              CompareGreater,
			Value:           threshold,
			DurationSeconds: 120,
		},
	}
}

// NewOverTempRule builds a threshold rule on temperature, sustained for one
// minute.
func NewOverTempRule(siteID int64, deviceIDs []int64, threshold float64, schedule *Schedule) AlertRule {
	return AlertRule{
		SiteID:   siteID,
		Name:     fmt.Sprintf("Over Temperature (> %g°C)", threshold),
		Enabled:  true,
		Kind:     KindThreshold,
		Schedule: schedule,
		Threshold: &ThresholdParams{
			DeviceIDs:       deviceIDs,
			Key:             "temp",
			Op:              CompareGreater,
			Value:           threshold,
			DurationSeconds: 60,
		},
	}
}

// NewNoDataRule builds a nodata rule firing after the devices have been
// silent for the given number of minutes.
func NewNoDataRule(siteID int64, deviceIDs []int64, durationMinutes int) AlertRule {
	if durationMinutes <= 0 {
		durationMinutes = 5
	}
	return AlertRule{
		SiteID:  siteID,
		Name:    fmt.Sprintf("No Data (%d minutes)", durationMinutes),
		Enabled: true,
		Kind:    KindNoData,
		NoData: &NoDataParams{
			DeviceIDs:       deviceIDs,
			DurationSeconds: durationMinutes * 60,
		},
	}
}

// NewPresetRule dispatches on the preset name.
func NewPresetRule(name string, siteID int64, deviceIDs []int64, threshold float64, durationMinutes int, schedule *Schedule) (AlertRule, error) {
	switch name {
	case PresetHighDraw:
		return NewHighDrawRule(siteID, deviceIDs, threshold, schedule), nil
	case PresetOverTemp:
		return NewOverTempRule(siteID, deviceIDs, threshold, schedule), nil
	case PresetNoData:
		return NewNoDataRule(siteID, deviceIDs, durationMinutes), nil
	default:
		return AlertRule{}, fmt.Errorf("alert preset: unknown preset %q", name)
	}
}
