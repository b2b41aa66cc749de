package plan

// Plan is an immutable pricing and service tier. Lane 0 is the fastest and
// most expensive class, lane 2 the slowest and cheapest.
type Plan struct {
	ID               string  `gorm:"column:id;primaryKey" json:"plan_id"`
	Lane             int     `gorm:"column:lane;not null" json:"lane"`
	MaxInputMinutes  int     `gorm:"column:max_input_minutes;not null" json:"max_input_minutes"`
	TargetMultiplier float64 `gorm:"column:target_multiplier;not null" json:"target_multiplier"`
	CreditMultiplier float64 `gorm:"column:credit_multiplier;not null" json:"credit_multiplier"`
}

func (Plan) TableName() string { return "plans" }

// Defaults returns the built-in reference tiers seeded on first boot.
func Defaults() []*Plan {
	return []*Plan{
		{ID: "express", Lane: 0, MaxInputMinutes: 60, TargetMultiplier: 1.0, CreditMultiplier: 2.0},
		{ID: "priority", Lane: 1, MaxInputMinutes: 120, TargetMultiplier: 1.2, CreditMultiplier: 1.5},
		{ID: "standard", Lane: 2, MaxInputMinutes: 240, TargetMultiplier: 1.5, CreditMultiplier: 1.0},
	}
}
