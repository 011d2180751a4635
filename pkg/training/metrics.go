package training

import "time"

// ResourceSnapshot is the resource utilisation captured alongside a metrics sample
type ResourceSnapshot struct {
	MemoryAllocatedBytes uint64  `json:"memory_allocated_bytes"`
	MemoryTotalBytes     uint64  `json:"memory_total_bytes,omitempty"`
	UtilizationPercent   float64 `json:"utilization_percent"`
}

// Metrics is one sample of training progress. A sample is never modified
// after construction; the next sample supersedes it.
type Metrics struct {
	Step         int              `json:"step"`
	Epoch        int              `json:"epoch"`
	TrainLoss    *float64         `json:"train_loss,omitempty"`
	EvalLoss     *float64         `json:"eval_loss,omitempty"`
	LearningRate *float64         `json:"learning_rate,omitempty"`
	Resources    ResourceSnapshot `json:"resources"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewMetrics builds a sample from a step event and a resource snapshot
func NewMetrics(ev StepEvent, res ResourceSnapshot) Metrics {
	return Metrics{
		Step:         ev.Step,
		Epoch:        ev.Epoch,
		TrainLoss:    copyFloat(ev.TrainLoss),
		EvalLoss:     copyFloat(ev.EvalLoss),
		LearningRate: copyFloat(ev.LearningRate),
		Resources:    res,
		Timestamp:    time.Now().UTC(),
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v, handy for optional metric fields
func Float(v float64) *float64 {
	return &v
}
