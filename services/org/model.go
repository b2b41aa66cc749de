package org

import "time"

// Org is a tenant organization. It owns jobs and the usage recorded against
// its plan.
type Org struct {
	ID        string    `gorm:"column:id;primaryKey" json:"org_id"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Org) TableName() string { return "orgs" }
