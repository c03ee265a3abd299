package alerts

import (
	"errors"
	"testing"
	"time"
)

func TestScheduleContainsOvernight(t *testing.T) {
	schedule := Schedule{Start: "19:00", End: "07:00"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"23:30", true},
		{"03:00", true},
		{"12:00", false},
		{"19:00", true},
		{"07:00", true},
		{"07:01", false},
	}
	for _, tc := range cases {
		now, err := time.Parse("15:04", tc.clock)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.clock, err)
		}
		if got := schedule.Contains(now); got != tc.want {
			t.Fatalf("overnight schedule at %s: expected %v, got %v", tc.clock, tc.want, got)
		}
	}
}

func TestScheduleContainsSimpleRange(t *testing.T) {
	schedule := Schedule{Start: "09:00", End: "17:00"}
	inside, _ := time.Parse("15:04", "12:00")
	outside, _ := time.Parse("15:04", "18:00")
	if !schedule.Contains(inside) {
		t.Fatal("expected 12:00 inside 09:00-17:00")
	}
	if schedule.Contains(outside) {
		t.Fatal("expected 18:00 outside 09:00-17:00")
	}
}

func TestDecodeRuleConfigThreshold(t *testing.T) {
	raw := []byte(`{
		"type": "threshold",
		"device_ids": [1, 2],
		"key": "power",
		"op": "gt",
		"value": 1000,
		"duration_sec": 120,
		"schedule": {"start": "19:00", "end": "07:00"},
		"action": {"email": ["ops@example.com"], "webhook": ["http://hook"]}
	}`)
	rule := AlertRule{ID: 7, SiteID: 1, Name: "High Draw", Enabled: true}
	if err := DecodeRuleConfig(&rule, raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rule.Kind != KindThreshold {
		t.Fatalf("expected threshold kind, got %s", rule.Kind)
	}
	if rule.Threshold == nil || rule.Threshold.Op != CompareGreater || rule.Threshold.Value != 1000 {
		t.Fatalf("unexpected threshold params: %+v", rule.Threshold)
	}
	if rule.NoData != nil {
		t.Fatal("expected no nodata params on threshold rule")
	}
	if rule.Schedule == nil || rule.Schedule.Start != "19:00" {
		t.Fatalf("unexpected schedule: %+v", rule.Schedule)
	}
	if len(rule.Actions.Email) != 1 || len(rule.Actions.Webhook) != 1 {
		t.Fatalf("unexpected actions: %+v", rule.Actions)
	}
}

func TestDecodeRuleConfigNoDataDefaultsDuration(t *testing.T) {
	raw := []byte(`{"type": "nodata", "device_ids": [3]}`)
	rule := AlertRule{ID: 8, SiteID: 1, Name: "Silent", Enabled: true}
	if err := DecodeRuleConfig(&rule, raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rule.NoData == nil || rule.NoData.DurationSeconds != DefaultNoDataSeconds {
		t.Fatalf("expected default %ds duration, got %+v", DefaultNoDataSeconds, rule.NoData)
	}
}

func TestDecodeRuleConfigRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"unknown type":  `{"type": "banana", "device_ids": [1]}`,
		"bad op":        `{"type": "threshold", "device_ids": [1], "key": "power", "op": "!=", "value": 1}`,
		"empty devices": `{"type": "threshold", "device_ids": [], "key": "power", "op": "gt", "value": 1}`,
		"missing key":   `{"type": "threshold", "device_ids": [1], "op": "gt", "value": 1}`,
		"bad schedule":  `{"type": "nodata", "device_ids": [1], "schedule": {"start": "25:99", "end": "07:00"}}`,
		"bad snooze":    `{"type": "nodata", "device_ids": [1], "snoozed_until": "yesterday"}`,
	}
	for name, raw := range cases {
		rule := AlertRule{ID: 1, SiteID: 1, Name: "r", Enabled: true}
		err := DecodeRuleConfig(&rule, []byte(raw))
		if err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
		if !errors.Is(err, ErrRuleMisconfigured) {
			t.Fatalf("%s: expected ErrRuleMisconfigured, got %v", name, err)
		}
	}
}

func TestEncodeDecodeRoundTripKeepsSnooze(t *testing.T) {
	until := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rule := AlertRule{
		ID:      5,
		SiteID:  2,
		Name:    "Silent",
		Enabled: true,
		Kind:    KindNoData,
		NoData:  &NoDataParams{DeviceIDs: []int64{4}, DurationSeconds: 600},
	}
	rule.SnoozedUntil = until

	raw, err := EncodeRuleConfig(rule)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded := AlertRule{ID: 5, SiteID: 2, Name: "Silent", Enabled: true}
	if err := DecodeRuleConfig(&decoded, raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.SnoozedUntil.Equal(until) {
		t.Fatalf("expected snooze %s, got %s", until, decoded.SnoozedUntil)
	}
	if !decoded.Snoozed(until.Add(-time.Minute)) {
		t.Fatal("expected rule snoozed before deadline")
	}
	if decoded.Snoozed(until) {
		t.Fatal("expected rule active at deadline")
	}
}

func TestPresetRules(t *testing.T) {
	rule, err := NewPresetRule(PresetHighDraw, 1, []int64{1, 2}, 1500, 0, nil)
	if err != nil {
		t.Fatalf("high_draw preset: %v", err)
	}
	if rule.Kind != KindThreshold || rule.Threshold.Key != "power" || rule.Threshold.DurationSeconds != 120 {
		t.Fatalf("unexpected high_draw rule: %+v", rule.Threshold)
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("high_draw validate: %v", err)
	}

	rule, err = NewPresetRule(PresetOverTemp, 1, []int64{3}, 60, 0, nil)
	if err != nil {
		t.Fatalf("over_temp preset: %v", err)
	}
	if rule.Threshold.Key != "temp" || rule.Threshold.DurationSeconds != 60 {
		t.Fatalf("unexpected over_temp rule: %+v", rule.Threshold)
	}

	rule, err = NewPresetRule(PresetNoData, 1, []int64{4}, 0, 10, nil)
	if err != nil {
		t.Fatalf("no_data preset: %v", err)
	}
	if rule.Kind != KindNoData || rule.NoData.DurationSeconds != 600 {
		t.Fatalf("unexpected no_data rule: %+v", rule.NoData)
	}

	if _, err := NewPresetRule("banana", 1, []int64{1}, 0, 0, nil); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}
