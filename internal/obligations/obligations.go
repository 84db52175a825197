package obligations

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/types"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// WindowGate decides which clearing window an incoming obligation is
// admitted into. The window manager implements it.
type WindowGate interface {
	AdmittableWindow() (string, error)
}

// Service handles obligation intake. Obligations arrive pre-screened
// and are stamped with the currently admittable window; an obligation
// never moves between windows.
type Service struct {
	db   *Database
	gate WindowGate
}

// NewService creates an obligation intake service.
func NewService(gormDB *gorm.DB, gate WindowGate) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		gate: gate,
	}
}

// Submit admits an obligation into the current window with idempotency
// support: a retried submission with the same key returns the original
// obligation unchanged.
func (s *Service) Submit(req *types.ObligationRequest, idempotencyKey string) (*types.Obligation, error) {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetObligation(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("obligation not found for idempotency key")
		}
		return existing, nil
	}

	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", types.ErrInvalidObligation, req.Amount.String())
	}
	if req.PayerBankID == req.PayeeBankID {
		return nil, fmt.Errorf("%w: payer and payee must differ", types.ErrInvalidObligation)
	}

	windowID, err := s.gate.AdmittableWindow()
	if err != nil {
		return nil, err
	}

	obligation := &types.Obligation{
		ObligationID: "OBL_" + uuid.New().String(),
		WindowID:     windowID,
		PayerBankID:  req.PayerBankID,
		PayeeBankID:  req.PayeeBankID,
		Currency:     req.Currency,
		Amount:       req.Amount,
		Reference:    req.Reference,
		Status:       types.ObligationAdmitted,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.db.CreateObligationWithIdempotency(obligation, idempotencyKey); err != nil {
		return nil, err
	}

	log.Info().
		Str("obligation_id", obligation.ObligationID).
		Str("window_id", windowID).
		Str("payer_bank_id", req.PayerBankID).
		Str("payee_bank_id", req.PayeeBankID).
		Str("amount", req.Amount.String()).
		Str("currency", req.Currency).
		Msg("admitted obligation")

	return obligation, nil
}

// GetObligation retrieves an obligation by its ID.
func (s *Service) GetObligation(obligationID string) (*types.Obligation, error) {
	return s.db.GetObligation(obligationID)
}

// GetObligationsForWindow returns all obligations admitted into a
// window in admission order.
func (s *Service) GetObligationsForWindow(windowID string) ([]types.Obligation, error) {
	return s.db.GetObligationsForWindow(windowID)
}

// GinHandlers contains HTTP handlers for obligation endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitObligationHandler handles POST requests to submit obligations.
// Requires an Idempotency-Key header.
func (h *GinHandlers) SubmitObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req types.ObligationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		obligation, err := h.service.Submit(&req, idempotencyKey)
		if err != nil {
			if errors.Is(err, types.ErrInvalidWindowState) || errors.Is(err, types.ErrInvalidObligation) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, obligation)
	}
}

func (h *GinHandlers) GetObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		obligationID := c.Param("obligation_id")

		obligation, err := h.service.GetObligation(obligationID)
		if err != nil || obligation == nil {
			response.NotFound(c, "Obligation not found")
			return
		}
		response.Success(c, obligation)
	}
}

func (h *GinHandlers) GetWindowObligationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		obligations, err := h.service.GetObligationsForWindow(windowID)
		response.Handle(c, obligations, err)
	}
}
