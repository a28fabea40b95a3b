package models

import (
	"encoding/json"
	"time"
)

// Settlement batch statuses
const (
	BatchStatusDraft                 = "draft"
	BatchStatusPendingFirstApproval  = "pending_first_approval"
	BatchStatusPendingSecondApproval = "pending_second_approval"
	BatchStatusApproved              = "approved"
	BatchStatusExported              = "exported"
)

type SettlementBatch struct {
	ID               string          `json:"id" db:"id"`
	PartnerID        string          `json:"partner_id" db:"partner_id"`
	Status           string          `json:"status" db:"status"`
	TotalAmount      int64           `json:"total_amount" db:"total_amount"`
	Currency         string          `json:"currency" db:"currency"`
	PeriodStart      time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd        time.Time       `json:"period_end" db:"period_end"`
	FirstApproverID  *string         `json:"first_approver_id,omitempty" db:"first_approver_id"`
	FirstApprovedAt  *time.Time      `json:"first_approved_at,omitempty" db:"first_approved_at"`
	SecondApproverID *string         `json:"second_approver_id,omitempty" db:"second_approver_id"`
	SecondApprovedAt *time.Time      `json:"second_approved_at,omitempty" db:"second_approved_at"`
	ExportFileURL    *string         `json:"export_file_url,omitempty" db:"export_file_url"`
	ExportedAt       *time.Time      `json:"exported_at,omitempty" db:"exported_at"`
	Criteria         string          `json:"criteria" db:"criteria"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
