package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ScheduleTrigger is either a cron expression (5-field, interpreted in
// Timezone, UTC default) or a fixed repeat interval with an optional firing
// limit. Exactly one of Cron / Every must be set.
type ScheduleTrigger struct {
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	EveryMs  int64  `json:"every,omitempty" validate:"omitempty,min=1"`
	Limit    int    `json:"limit,omitempty" validate:"omitempty,min=1"`
}

// Schedule re-injects a templated job on a cron or fixed-interval rhythm.
// Upsert by SchedulerID replaces the template without duplicating the series.
type Schedule struct {
	SchedulerID string                 `json:"schedulerId" badgerhold:"key"`
	UserID      string                 `json:"userId" badgerhold:"index"`
	HandlerName string                 `json:"handlerName"`
	Queue       string                 `json:"queue"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Options     JobOptions             `json:"options,omitempty"`
	Trigger     ScheduleTrigger        `json:"trigger"`
	StartDate   *time.Time             `json:"startDate,omitempty"`
	EndDate     *time.Time             `json:"endDate,omitempty"`
	FireCount   int                    `json:"fireCount"`
	NextFire    *time.Time             `json:"nextFire,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// SchedulerID derives the deterministic schedule identity from its owner,
// handler, and creation instant.
func SchedulerID(userID, handlerName string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", userID, handlerName, createdAt.UnixMilli())))
	return "sched_" + hex.EncodeToString(sum[:8])
}
