// README: Monthly triage allowance per caller; every AI classification spends one unit.
package aiusage

import "errors"

// ErrQuotaExhausted is returned when a caller has no triage calls left this month.
var ErrQuotaExhausted = errors.New("triage quota exhausted")

// DefaultMonthlyQuota is the number of triage calls granted per month.
const DefaultMonthlyQuota = 100

// periodLayout keys the allowance by calendar month, e.g. "2026-10".
const periodLayout = "2006-01"
