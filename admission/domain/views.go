package domain

import (
	"math"
	"time"
)

// StoreSnapshot é a cópia do estado de uma loja tirada dentro da lane.
type StoreSnapshot struct {
	StoreID       StoreID
	Plan          Plan
	Active        []ActiveCall
	Queue         []QueueEntry
	AverageHandle time.Duration
}

type StoreStatus string

const (
	StatusFull   StoreStatus = "FULL"
	StatusActive StoreStatus = "ACTIVE"
	StatusIdle   StoreStatus = "IDLE"
)

// StatusOf classifica a loja pela ocupação.
func StatusOf(active, maxConcurrent int) StoreStatus {
	switch {
	case active > 0 && active >= maxConcurrent:
		return StatusFull
	case active > 0:
		return StatusActive
	default:
		return StatusIdle
	}
}

// Utilization = round(active/max×100); 0 quando max == 0.
func Utilization(active, maxConcurrent int) int {
	if maxConcurrent <= 0 {
		return 0
	}
	return int(math.Round(float64(active) / float64(maxConcurrent) * 100))
}

// StoreSummary é a linha de uma loja no overview global.
type StoreSummary struct {
	StoreID            StoreID     `json:"store_id"`
	Plan               string      `json:"plan"`
	ActiveCalls        int         `json:"active_calls"`
	MaxConcurrent      int         `json:"max_concurrent"`
	QueueSize          int         `json:"queue_size"`
	MaxQueue           int         `json:"max_queue"`
	UtilizationPercent int         `json:"utilization_percent"`
	Status             StoreStatus `json:"status"`
}

// Totals agrega lojas (por plano ou global).
type Totals struct {
	Stores             int `json:"stores"`
	ActiveCalls        int `json:"active_calls"`
	MaxConcurrent      int `json:"max_concurrent"`
	QueueSize          int `json:"queue_size"`
	MaxQueue           int `json:"max_queue"`
	UtilizationPercent int `json:"utilization_percent"`
	FullStores         int `json:"full_stores"`
}

func (t *Totals) Add(s StoreSummary) {
	t.Stores++
	t.ActiveCalls += s.ActiveCalls
	t.MaxConcurrent += s.MaxConcurrent
	t.QueueSize += s.QueueSize
	t.MaxQueue += s.MaxQueue
	if s.Status == StatusFull {
		t.FullStores++
	}
	t.UtilizationPercent = Utilization(t.ActiveCalls, t.MaxConcurrent)
}

// StoreFailure é uma loja que não pôde ser lida no overview.
type StoreFailure struct {
	StoreID StoreID `json:"store_id"`
	Error   string  `json:"error"`
}

// Overview é a visão global. FailedStores > 0 indica resultado parcial.
type Overview struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Stores       []StoreSummary    `json:"stores"`
	ByPlan       map[string]Totals `json:"by_plan"`
	Totals       Totals            `json:"totals"`
	FailedStores int               `json:"failed_stores"`
	Failures     []StoreFailure    `json:"failures,omitempty"`
}

type ActiveCallView struct {
	CallID          CallID    `json:"call_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int64     `json:"duration_seconds"`
}

type QueueItemView struct {
	CallID          CallID    `json:"call_id"`
	Position        int       `json:"position"`
	QueuedAt        time.Time `json:"queued_at"`
	WaitTimeSeconds int64     `json:"wait_time_seconds"`
}

// StoreDetail é a leitura de uma loja; WaitTimeSeconds/DurationSeconds são
// calculados em `GeneratedAt`.
type StoreDetail struct {
	GeneratedAt time.Time        `json:"generated_at"`
	ActiveCalls []ActiveCallView `json:"active_calls"`
	QueueItems  []QueueItemView  `json:"queue_items"`
	QueueStatus StoreSummary     `json:"queue_status"`
}
