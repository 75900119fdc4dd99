package policy

import (
	"sync"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// BillingPlan bounds what a tenant may settle per period. Overage prices
// carry milli-cent precision so fractional per-unit rates do not round to
// zero.
type BillingPlan struct {
	PlanID                  string `json:"planId"`
	HardLimitEnforced       bool   `json:"hardLimitEnforced"`
	MaxVerifiedRuns         int64  `json:"maxVerifiedRuns,omitempty"`
	MaxSettledVolumeCents   int64  `json:"maxSettledVolumeCents,omitempty"`
	MaxArbitrationCases     int64  `json:"maxArbitrationCases,omitempty"`
	OverageMilliCentsPerRun int64  `json:"overageMilliCentsPerRun,omitempty"`
}

// PeriodUsage is one tenant's counters for the current billing period.
type PeriodUsage struct {
	PeriodStart        time.Time `json:"periodStart"`
	VerifiedRuns       int64     `json:"verifiedRuns"`
	SettledVolumeCents int64     `json:"settledVolumeCents"`
	ArbitrationCases   int64     `json:"arbitrationCases"`
	OverageMilliCents  int64     `json:"overageMilliCents"`
}

// OverageCents is the overage rounded down to whole cents; the milli-cent
// remainder stays in OverageMilliCents for reconciliation.
func (u PeriodUsage) OverageCents() int64 {
	return u.OverageMilliCents / 1000
}

// BillingMeter tracks per-tenant usage against plans.
type BillingMeter struct {
	mu    sync.Mutex
	plans map[string]BillingPlan
	usage map[string]*PeriodUsage
	clock func() time.Time
}

// NewBillingMeter creates an empty meter.
func NewBillingMeter() *BillingMeter {
	return &BillingMeter{
		plans: make(map[string]BillingPlan),
		usage: make(map[string]*PeriodUsage),
		clock: time.Now,
	}
}

// SetPlan assigns a plan to a tenant.
func (m *BillingMeter) SetPlan(tenantID string, plan BillingPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[tenantID] = plan
}

func (m *BillingMeter) usageFor(tenantID string) *PeriodUsage {
	u, ok := m.usage[tenantID]
	if !ok {
		u = &PeriodUsage{PeriodStart: m.clock().UTC()}
		m.usage[tenantID] = u
	}
	return u
}

// Usage returns a copy of a tenant's period counters.
func (m *BillingMeter) Usage(tenantID string) PeriodUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.usageFor(tenantID)
}

func limitExceeded(what string) error {
	return apierror.New(apierror.CodeBillingPlanLimitExceeded,
		"billing plan hard limit reached for %s", what)
}

// RecordVerifiedRun counts one verified run and settledCents of volume.
// Under a hard-limited plan a breach blocks the transition; otherwise the
// excess accrues as overage.
func (m *BillingMeter) RecordVerifiedRun(tenantID string, settledCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan := m.plans[tenantID]
	u := m.usageFor(tenantID)

	if plan.HardLimitEnforced {
		if plan.MaxVerifiedRuns > 0 && u.VerifiedRuns+1 > plan.MaxVerifiedRuns {
			return limitExceeded("verifiedRuns")
		}
		if plan.MaxSettledVolumeCents > 0 && u.SettledVolumeCents+settledCents > plan.MaxSettledVolumeCents {
			return limitExceeded("settledVolumeCents")
		}
	}
	u.VerifiedRuns++
	u.SettledVolumeCents += settledCents
	if plan.MaxVerifiedRuns > 0 && u.VerifiedRuns > plan.MaxVerifiedRuns {
		u.OverageMilliCents += plan.OverageMilliCentsPerRun
	}
	return nil
}

// RecordArbitrationCase counts one opened arbitration case.
func (m *BillingMeter) RecordArbitrationCase(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan := m.plans[tenantID]
	u := m.usageFor(tenantID)
	if plan.HardLimitEnforced && plan.MaxArbitrationCases > 0 && u.ArbitrationCases+1 > plan.MaxArbitrationCases {
		return limitExceeded("arbitrationCases")
	}
	u.ArbitrationCases++
	return nil
}
