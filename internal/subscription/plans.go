package subscription

// PlanType identifies a pricing plan.
type PlanType string

const (
	PlanStarter      PlanType = "starter"
	PlanProfessional PlanType = "professional"
	PlanEnterprise   PlanType = "enterprise"
)

// Plan is one entry of the plan catalogue.
type Plan struct {
	Type              PlanType `json:"type"`
	Name              string   `json:"name"`
	MonthlyPriceCents int64    `json:"monthlyPriceCents"`
	MaxAgents         int      `json:"maxAgents"` // 0 = unlimited
}

// Plans is the hardcoded plan catalogue.
var Plans = map[PlanType]Plan{
	PlanStarter: {
		Type:              PlanStarter,
		Name:              "Starter",
		MonthlyPriceCents: 9900,
		MaxAgents:         5,
	},
	PlanProfessional: {
		Type:              PlanProfessional,
		Name:              "Professional",
		MonthlyPriceCents: 29900,
		MaxAgents:         20,
	},
	PlanEnterprise: {
		Type:              PlanEnterprise,
		Name:              "Enterprise",
		MonthlyPriceCents: 99900,
		MaxAgents:         0,
	},
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p PlanType) bool {
	_, ok := Plans[p]
	return ok
}

// PlanList returns the catalogue ordered by price.
func PlanList() []Plan {
	return []Plan{Plans[PlanStarter], Plans[PlanProfessional], Plans[PlanEnterprise]}
}
