package models

import (
	"time"

	"github.com/whale-tracker/internal/types"
)

// Alert is a notification produced by a detection rule
type Alert struct {
	ID             string                 `json:"id"`
	Type           types.AlertType        `json:"type"`
	Priority       types.AlertPriority    `json:"priority"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	RelatedRef     string                 `json:"related_ref"`
	RelatedData    map[string]interface{} `json:"related_data,omitempty"`
	Status         types.AlertStatus      `json:"status"`
	SuppressReason types.SuppressReason   `json:"suppress_reason,omitempty"`
	Attempts       int                    `json:"attempts"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	SentAt         *time.Time             `json:"sent_at,omitempty"`
}

// Bucket returns the rate-limit bucket of the alert
func (a *Alert) Bucket() string {
	return string(a.Type) + ":" + string(a.Priority)
}

func (a *Alert) EntityType() types.EntityType { return types.EntityAlert }
func (a *Alert) Key() string                  { return a.ID }
func (a *Alert) EventTime() time.Time         { return a.UpdatedAt }
