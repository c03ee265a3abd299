package alerts

import "errors"

// ErrNotFound indicates a missing alert rule.
var ErrNotFound = errors.New("alert: not found")

// ErrRuleMisconfigured indicates a rule whose stored configuration cannot be
// decoded or validated. Such rules are skipped per-rule, never batch-fatal.
var ErrRuleMisconfigured = errors.New("alert: rule misconfigured")
