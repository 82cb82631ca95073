package domain

// Case statuses. A case only moves along the transition graph enforced by the engine.
const (
	StatusInitiated       = "INITIATED"
	StatusUnderEvaluation = "UNDER_EVALUATION"
	StatusApproved        = "APPROVED"
	StatusRejected        = "REJECTED"
	StatusExecuted        = "EXECUTED"
	StatusCancelled       = "CANCELLED"
)

// Disposal types.
const (
	TypeAdministrative = "ADMINISTRATIVE"
	TypeTechnical      = "TECHNICAL"
	TypeFortuitous     = "FORTUITOUS"
	TypeObsolescence   = "OBSOLESCENCE"
)

// Evaluator recommendations for a linked asset.
const (
	RecommendDestroy  = "DESTROY"
	RecommendDonate   = "DONATE"
	RecommendSell     = "SELL"
	RecommendRecycle  = "RECYCLE"
	RecommendTransfer = "TRANSFER"
)

// Asset-side statuses as reported by the asset registry.
const (
	AssetActive      = "ACTIVE"
	AssetMaintenance = "MAINTENANCE"
	AssetDisposed    = "DISPOSED"
)

// IsTerminal reports whether a case status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusExecuted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type DisposalCase struct {
	ID                    string  `json:"id"`
	MunicipalityCode      string  `json:"municipality_code"`
	FileNumber            string  `json:"file_number"`
	DisposalType          string  `json:"disposal_type" enum:"ADMINISTRATIVE,TECHNICAL,FORTUITOUS,OBSOLESCENCE"`
	Reason                string  `json:"reason"`
	ReasonDescription     string  `json:"reason_description"`
	Observations          string  `json:"observations,omitempty"`
	TechnicalReportAuthor string  `json:"technical_report_author_id"`
	RequestedBy           string  `json:"requested_by"`
	RequiresDestruction   bool    `json:"requires_destruction"`
	AllowsDonation        bool    `json:"allows_donation"`
	RecoverableValue      float64 `json:"recoverable_value"`
	Status                string  `json:"status" enum:"INITIATED,UNDER_EVALUATION,APPROVED,REJECTED,EXECUTED,CANCELLED"`
	Approved              *bool   `json:"approved,omitempty"`
	ResolutionNumber      *string `json:"resolution_number,omitempty"`
	ApprovedBy            *string `json:"approved_by_id,omitempty"`
	ApprovalDate          *string `json:"approval_date,omitempty" format:"date-time"`
	EvaluationStartedAt   *string `json:"evaluation_started_at,omitempty" format:"date-time"`
	PhysicalRemovalDate   *string `json:"physical_removal_date,omitempty" format:"date-time"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
	Version               int64   `json:"version"`
}

// AssetLink ties one asset to a case. Code and description are denormalized at attach
// time so the audit trail survives later edits to the asset record.
type AssetLink struct {
	ID                 string   `json:"id"`
	CaseID             string   `json:"case_id"`
	AssetID            string   `json:"asset_id"`
	AssetCode          string   `json:"asset_code"`
	AssetDescription   string   `json:"asset_description"`
	ConservationStatus string   `json:"conservation_status" enum:"GOOD,REGULAR,BAD,UNUSABLE"`
	BookValue          *float64 `json:"book_value,omitempty"`
	RecoverableValue   *float64 `json:"recoverable_value,omitempty"`
	Observations       string   `json:"observations,omitempty"`
	TechnicalOpinion   *string  `json:"technical_opinion,omitempty"`
	Recommendation     *string  `json:"recommendation,omitempty" enum:"DESTROY,DONATE,SELL,RECYCLE,TRANSFER"`
	EvaluatorID        *string  `json:"evaluator_id,omitempty"`
	DisposedAt         *string  `json:"disposed_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// AssetSnapshot is what the asset registry reports for one asset.
type AssetSnapshot struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	Description  string  `json:"description"`
	Status       string  `json:"status" enum:"ACTIVE,MAINTENANCE,DISPOSED"`
	CurrentValue float64 `json:"current_value"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
