package domain

import "time"

// TypeSnapshot is a point-in-time view of one worker type's load and
// execution counters, as returned by the dispatcher's statistics call.
type TypeSnapshot struct {
	CurrentLoad          int           `json:"current_load"`
	MaxConcurrent        int           `json:"max_concurrent"`
	Utilization          float64       `json:"utilization"`
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	AverageDuration      time.Duration `json:"average_duration"`
}
