package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
)

func (s *Server) registerTagRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "registerPlacement",
		Method:        http.MethodPost,
		Path:          "/api/v1/placements",
		Summary:       "Register placement",
		Description:   "Tags a player-placed block. With async=true the tag is written in the background and 202 is returned.",
		Tags:          []string{"Tags"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleRegisterPlacement)

	huma.Register(s.api, huma.Operation{
		OperationID: "checkBreak",
		Method:      http.MethodPost,
		Path:        "/api/v1/breaks/check",
		Summary:     "Check break",
		Description: "Reports whether breaking the block collects a reward for a placed block. Consumes the tag.",
		Tags:        []string{"Tags"},
	}, s.handleCheckBreak)

	huma.Register(s.api, huma.Operation{
		OperationID:   "invalidateTag",
		Method:        http.MethodPost,
		Path:          "/api/v1/invalidations",
		Summary:       "Invalidate tag",
		Description:   "Removes an ephemeral tag after its block was transformed. Permanent tags are kept.",
		Tags:          []string{"Tags"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleInvalidate)

	huma.Register(s.api, huma.Operation{
		OperationID:   "moveTags",
		Method:        http.MethodPost,
		Path:          "/api/v1/moves",
		Summary:       "Move tags",
		Description:   "Translates the tags of the given blocks, as a piston does",
		Tags:          []string{"Tags"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleMoveTags)

	huma.Register(s.api, huma.Operation{
		OperationID:   "removeTag",
		Method:        http.MethodDelete,
		Path:          "/api/v1/tags",
		Summary:       "Remove tag",
		Description:   "Deletes the tag at the block's location",
		Tags:          []string{"Tags"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleRemoveTag)

	huma.Register(s.api, huma.Operation{
		OperationID: "getRestrictions",
		Method:      http.MethodGet,
		Path:        "/api/v1/restrictions",
		Summary:     "Get restricted blocks",
		Description: "Returns the restriction mode and material list in effect",
		Tags:        []string{"Tags"},
	}, s.handleGetRestrictions)
}

// === DTOs ===

// PlacementRequest is the request body for registering a placement.
type PlacementRequest struct {
	Block     domain.Block `json:"block" doc:"Placed block"`
	Ephemeral bool         `json:"ephemeral,omitempty" doc:"Discard the tag when the block is transformed"`
}

// PlacementInput wraps the placement request for Huma.
type PlacementInput struct {
	Async bool `query:"async" doc:"Write the tag in the background"`
	Body  PlacementRequest
}

// PlacementOutput carries 204, or 202 for async placements.
type PlacementOutput struct {
	Status int
}

// BlockRequest is a request body naming one block.
type BlockRequest struct {
	Block domain.Block `json:"block" doc:"Target block"`
}

// BlockInput wraps a block request for Huma.
type BlockInput struct {
	Body BlockRequest
}

// CheckBreakResponse contains the exploit verdict.
type CheckBreakResponse struct {
	Exploit bool `json:"exploit" doc:"True when the reward must be canceled"`
}

// CheckBreakOutput wraps the verdict for Huma.
type CheckBreakOutput struct {
	Body CheckBreakResponse
}

// MoveRequest is the request body for moving tags.
type MoveRequest struct {
	Blocks    []domain.Block `json:"blocks" maxItems:"4096" doc:"Blocks being moved"`
	Direction domain.Vector  `json:"direction" doc:"Offset applied to every block"`
}

// MoveInput wraps the move request for Huma.
type MoveInput struct {
	Body MoveRequest
}

// RestrictionsResponse describes the restricted blocks.
type RestrictionsResponse struct {
	Mode      string   `json:"mode" doc:"BLACKLIST, WHITELIST or DISABLED"`
	Materials []string `json:"materials" doc:"Listed materials"`
}

// RestrictionsOutput wraps the restrictions for Huma.
type RestrictionsOutput struct {
	Body RestrictionsResponse
}

// === Handlers ===

func (s *Server) handleRegisterPlacement(ctx context.Context, input *PlacementInput) (*PlacementOutput, error) {
	block, err := validateBlock(input.Body.Block)
	if err != nil {
		return nil, err
	}

	if input.Async {
		s.tags.RegisterPlacementAsync(block, input.Body.Ephemeral)
		return &PlacementOutput{Status: http.StatusAccepted}, nil
	}
	if err := s.tags.RegisterPlacement(ctx, block, input.Body.Ephemeral); err != nil {
		return nil, err
	}
	return &PlacementOutput{Status: http.StatusNoContent}, nil
}

func (s *Server) handleCheckBreak(ctx context.Context, input *BlockInput) (*CheckBreakOutput, error) {
	block, err := validateBlock(input.Body.Block)
	if err != nil {
		return nil, err
	}

	exploit, err := s.tags.IsExploit(ctx, block)
	if err != nil {
		return nil, err
	}
	return &CheckBreakOutput{Body: CheckBreakResponse{Exploit: exploit}}, nil
}

func (s *Server) handleInvalidate(ctx context.Context, input *BlockInput) (*struct{}, error) {
	block, err := validateBlock(input.Body.Block)
	if err != nil {
		return nil, err
	}
	return noContent(s.tags.Invalidate(ctx, block))
}

func (s *Server) handleMoveTags(ctx context.Context, input *MoveInput) (*struct{}, error) {
	blocks := make([]domain.Block, 0, len(input.Body.Blocks))
	for i, b := range input.Body.Blocks {
		block, err := validateBlock(b)
		if err != nil {
			return nil, domainerrors.Validationf("blocks[%d]: %v", i, err)
		}
		blocks = append(blocks, block)
	}
	return noContent(s.tags.MoveTags(ctx, blocks, input.Body.Direction))
}

func (s *Server) handleRemoveTag(ctx context.Context, input *BlockInput) (*struct{}, error) {
	block, err := validateBlock(input.Body.Block)
	if err != nil {
		return nil, err
	}
	return noContent(s.tags.RemoveTag(ctx, block))
}

func (s *Server) handleGetRestrictions(_ context.Context, _ *struct{}) (*RestrictionsOutput, error) {
	r := s.tags.Restrictions()
	return &RestrictionsOutput{Body: RestrictionsResponse{
		Mode:      string(r.Mode()),
		Materials: r.Materials(),
	}}, nil
}

// validateBlock checks the location and returns the block with its material normalized.
func validateBlock(b domain.Block) (domain.Block, error) {
	if err := b.Location.Validate(); err != nil {
		return b, domainerrors.Validation(err.Error())
	}
	b.Material = domain.NormalizeMaterial(b.Material)
	if b.Material == "" {
		return b, domainerrors.Validation("block material is empty")
	}
	return b, nil
}

func noContent(err error) (*struct{}, error) {
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}
