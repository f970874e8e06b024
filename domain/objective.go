package domain

import "time"

// ObjectiveCategory is one of the four fixed classification buckets
// objectives are grouped into on the strategy board.
type ObjectiveCategory string

const (
	CategoryFinancial ObjectiveCategory = "financial"
	CategoryCustomer  ObjectiveCategory = "customer"
	CategoryInternal  ObjectiveCategory = "internal"
	CategoryLearning  ObjectiveCategory = "learning"
)

// ValidCategory reports whether c is one of the four known buckets.
func ValidCategory(c ObjectiveCategory) bool {
	switch c {
	case CategoryFinancial, CategoryCustomer, CategoryInternal, CategoryLearning:
		return true
	}
	return false
}

// ObjectiveStatus is derived from progress, never set directly.
type ObjectiveStatus string

const (
	StatusOnTrack ObjectiveStatus = "on_track"
	StatusAtRisk  ObjectiveStatus = "at_risk"
	StatusBehind  ObjectiveStatus = "behind"
)

// KeyResultKind selects which variant of a key result is populated.
type KeyResultKind string

const (
	KindMetric     KeyResultKind = "metric"
	KindTaskLinked KeyResultKind = "task_linked"
)

// GlobalProject is the sentinel projectId for company-wide objectives.
const GlobalProject = "global"

// KeyResult is a measurable sub-goal nested inside an objective. Exactly one
// variant's fields are populated: metric carries target/current/unit,
// task_linked carries the linked task ids.
type KeyResult struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Weight float64       `json:"weight"`
	Kind   KeyResultKind `json:"kind"`

	TargetValue  float64 `json:"targetValue,omitempty"`
	CurrentValue float64 `json:"currentValue,omitempty"`
	Unit         string  `json:"unit,omitempty"`

	LinkedTaskIDs []string `json:"linkedTaskIds,omitempty"`

	Progress float64 `json:"progress"`
}

// Normalize clears the fields of the variant the key result is not, so a
// kind switch never leaves the other variant's data behind.
func (kr *KeyResult) Normalize() {
	switch kr.Kind {
	case KindMetric:
		kr.LinkedTaskIDs = nil
	case KindTaskLinked:
		kr.TargetValue = 0
		kr.CurrentValue = 0
		kr.Unit = ""
	}
}

// Objective is a strategic goal whose progress is the weighted average of
// its key results.
type Objective struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Category    ObjectiveCategory `json:"category"`
	Status      ObjectiveStatus   `json:"status"`

	TotalWeight     float64 `json:"totalWeight"`
	WeightedScore   float64 `json:"weightedScore"`
	ProgressPercent float64 `json:"progressPercent"`

	KeyResults []KeyResult `json:"keyResults"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// KeyResult returns a pointer into the objective's key-result array, or nil
// when the id is unknown.
func (o *Objective) KeyResult(id string) *KeyResult {
	for i := range o.KeyResults {
		if o.KeyResults[i].ID == id {
			return &o.KeyResults[i]
		}
	}
	return nil
}

// SumWeights returns the total weight across all key results.
func (o *Objective) SumWeights() float64 {
	total := 0.0
	for _, kr := range o.KeyResults {
		total += kr.Weight
	}
	return total
}

// MetricProgress computes the progress of a metric key result, clamped to
// 100. A target of zero or less yields 0.
func MetricProgress(current, target float64) float64 {
	if target <= 0 {
		return 0
	}
	p := current / target * 100
	if p > 100 {
		return 100
	}
	return p
}

// TaskLinkedProgress computes completion of a task-linked key result as a
// percentage of done tasks. An empty set yields 0.
func TaskLinkedProgress(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// StatusFor maps a progress percentage onto the status thresholds:
// >=75 on_track, >=50 at_risk, otherwise behind.
func StatusFor(progressPercent float64) ObjectiveStatus {
	switch {
	case progressPercent >= 75:
		return StatusOnTrack
	case progressPercent >= 50:
		return StatusAtRisk
	default:
		return StatusBehind
	}
}

// WeightedProgress computes the weighted score, total weight and progress
// percentage over a key-result set. Progress values are already 0..100, so
// score/totalWeight is itself a percentage. Zero total weight yields 0.
func WeightedProgress(krs []KeyResult) (score, totalWeight, percent float64) {
	for _, kr := range krs {
		score += kr.Progress * kr.Weight
		totalWeight += kr.Weight
	}
	if totalWeight > 0 {
		percent = score / totalWeight
	}
	return score, totalWeight, percent
}
