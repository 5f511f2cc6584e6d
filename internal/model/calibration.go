package model

import "time"

// CalibrationBin is one step of a fitted monotonic mapping: raw scores
// at or above RawFloor (up to the next bin's floor) calibrate to P.
type CalibrationBin struct {
	RawFloor float64 `json:"raw_floor"`
	P        float64 `json:"p"`
}

// CalibrationModel is an immutable, versioned isotonic mapping for one
// (tenant, strategy, model version). Models are replaced wholesale on
// retraining and referenced by ID from proposals so historical
// decisions stay reproducible.
type CalibrationModel struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Strategy        Strategy         `json:"strategy"`
	ModelVersion    string           `json:"model_version"`
	Bins            []CalibrationBin `json:"bins"`
	TrainingVendors []string         `json:"training_vendors,omitempty"`
	HoldoutVendors  []string         `json:"holdout_vendors,omitempty"`
	FittedAt        time.Time        `json:"fitted_at"`
	ActivatedAt     time.Time        `json:"activated_at,omitempty"`
}

// GlobalTenant is the tenant id under which default (non-tenant)
// calibration models and rule sets are stored.
const GlobalTenant = "*"

// ColdStartRecord tracks how many consecutive human approvals a vendor
// has received for the same account. Mutated only by the approval
// workflow's update hook; the gate reads it during decisioning.
type ColdStartRecord struct {
	TenantID             string    `json:"tenant_id"`
	VendorKey            string    `json:"vendor_key"`
	ConsistentLabelCount int       `json:"consistent_label_count"`
	LastLabel            string    `json:"last_label"`
	LastUpdated          time.Time `json:"last_updated"`
}
