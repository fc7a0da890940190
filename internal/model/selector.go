package model

import "time"

// Field identifies what a selector extracts.
type Field string

const (
	FieldPrice Field = "price"
	FieldTitle Field = "title"
)

// LearnedFrom records how a selector entered the store.
type LearnedFrom string

const (
	LearnedStructural LearnedFrom = "structural"
	LearnedVision     LearnedFrom = "vision"
	LearnedManual     LearnedFrom = "manual"
)

// SelectorRecord tracks how well one CSS selector extracts one field on one
// domain.
type SelectorRecord struct {
	Domain       string      `json:"domain" db:"domain"`
	Field        Field       `json:"field" db:"field"`
	Selector     string      `json:"selector" db:"selector"`
	SuccessCount int         `json:"success_count" db:"success_count"`
	FailureCount int         `json:"failure_count" db:"failure_count"`
	SuccessRate  float64     `json:"success_rate" db:"success_rate"`
	LearnedFrom  LearnedFrom `json:"learned_from" db:"learned_from"`
	LastSuccess  time.Time   `json:"last_success" db:"last_success"`
	ExampleValue string      `json:"example_value" db:"example_value"`
}

// Recompute refreshes SuccessRate from the counters.
func (r *SelectorRecord) Recompute() {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		r.SuccessRate = 0
		return
	}
	r.SuccessRate = float64(r.SuccessCount) / float64(total)
}
