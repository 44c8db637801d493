package dto

// CreatePackageRequest initializes a draft package.
type CreatePackageRequest struct {
	Name                  string `json:"name" validate:"required,max=200"`
	IncludeMetadata       bool   `json:"includeMetadata"`
	IncludeCustodyExcerpt bool   `json:"includeCustodyExcerpt"`
	Encrypt               bool   `json:"encrypt"`
}

// AddPackageItemRequest adds one evidence item. Order is 1-based; nil
// appends.
type AddPackageItemRequest struct {
	EvidenceID string `json:"evidenceId" validate:"required"`
	Order      *int   `json:"order,omitempty" validate:"omitempty,min=1"`
}
