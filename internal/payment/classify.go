package payment

import (
	"strings"

	"dspaving.app/licensing/models"
)

// AnnualAmountThreshold separates the monthly (99.90) and annual (999.90)
// price points for single payments.
const AnnualAmountThreshold = 200.0

// AnnualFrequency is the subscription billing frequency, in months, of the
// annual plan.
const AnnualFrequency = 12

var planKeys = []string{"plan", "plan_type"}

type PlanInput struct {
	Kind        models.PaymentKind
	Amount      float64
	Frequency   int
	Description string
	Metadata    map[string]string
}

// ClassifyPlan returns the plan tier for a provider record. An explicit plan
// tag in metadata or an "Anual" description wins. Otherwise the amount and
// frequency heuristic applies, which is best effort: a price change on the
// provider side silently breaks it.
func ClassifyPlan(in PlanInput) models.PlanTier {
	for _, k := range planKeys {
		if tier, err := models.ParsePlanTier(in.Metadata[k]); err == nil {
			return tier
		}
	}

	desc := strings.ToLower(in.Description)
	if strings.Contains(desc, "anual") || strings.Contains(desc, "annual") {
		return models.PlanAnnual
	}

	switch in.Kind {
	case models.KindSubscription:
		if in.Frequency == AnnualFrequency {
			return models.PlanAnnual
		}
	case models.KindSinglePayment:
		if in.Amount > AnnualAmountThreshold {
			return models.PlanAnnual
		}
	}
	return models.PlanMonthly
}
