package server

import (
	"encoding/json"

	"bajas/internal/domain"
)

// Request payloads

type OpenCaseRequest struct {
	DisposalType          string  `json:"disposal_type" enum:"ADMINISTRATIVE,TECHNICAL,FORTUITOUS,OBSOLESCENCE"`
	Reason                string  `json:"reason"`
	ReasonDescription     string  `json:"reason_description"`
	Observations          *string `json:"observations,omitempty"`
	TechnicalReportAuthor string  `json:"technical_report_author_id"`
	RequestedBy           *string `json:"requested_by,omitempty"`
	RequiresDestruction   bool    `json:"requires_destruction,omitempty"`
	AllowsDonation        bool    `json:"allows_donation,omitempty"`
	RecoverableValue      float64 `json:"recoverable_value,omitempty"`
}

type AttachAssetRequest struct {
	AssetID            string   `json:"asset_id"`
	ConservationStatus string   `json:"conservation_status" enum:"GOOD,REGULAR,BAD,UNUSABLE"`
	BookValue          *float64 `json:"book_value,omitempty"`
	RecoverableValue   *float64 `json:"recoverable_value,omitempty"`
	Observations       *string  `json:"observations,omitempty"`
	Version            int64    `json:"version,omitempty"`
}

type StartEvaluationRequest struct {
	Version int64 `json:"version,omitempty"`
}

type RecordOpinionRequest struct {
	TechnicalOpinion string `json:"technical_opinion"`
	Recommendation   string `json:"recommendation" enum:"DESTROY,DONATE,SELL,RECYCLE,TRANSFER"`
	Version          int64  `json:"version,omitempty"`
}

type ResolveRequest struct {
	Approved         bool    `json:"approved"`
	ResolutionNumber *string `json:"resolution_number,omitempty"`
	Observations     *string `json:"observations,omitempty"`
	Version          int64   `json:"version,omitempty"`
}

type FinalizeRequest struct {
	Version int64 `json:"version,omitempty"`
}

type CancelRequest struct {
	Observations *string `json:"observations,omitempty"`
	Version      int64   `json:"version,omitempty"`
}

type RegisterAssetRequest struct {
	ID           *string `json:"id,omitempty"`
	Code         string  `json:"code"`
	Description  string  `json:"description"`
	Status       *string `json:"status,omitempty" enum:"ACTIVE,MAINTENANCE"`
	CurrentValue float64 `json:"current_value,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type CaseResponse struct {
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

type LinkResponse struct {
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

type CaseDetailResponse struct {
	Case  CaseResponse   `json:"case"`
	Links []LinkResponse `json:"links"`
}

type AssetResponse struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	Description  string  `json:"description"`
	Status       string  `json:"status" enum:"ACTIVE,MAINTENANCE,DISPOSED"`
	CurrentValue float64 `json:"current_value"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Conversion helpers

func caseResponse(c domain.DisposalCase) CaseResponse {
	return CaseResponse(c)
}

func linkResponse(l domain.AssetLink) LinkResponse {
	return LinkResponse(l)
}

func assetResponse(a domain.AssetSnapshot) AssetResponse {
	return AssetResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapCases(items []domain.DisposalCase) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func mapLinks(items []domain.AssetLink) []LinkResponse {
	res := make([]LinkResponse, 0, len(items))
	for _, l := range items {
		res = append(res, linkResponse(l))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
