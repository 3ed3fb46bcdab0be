package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-sync/internal/api/dto"
	"github.com/spec-kit/ticket-sync/internal/domain"
	"github.com/spec-kit/ticket-sync/internal/lifecycle"
	"github.com/spec-kit/ticket-sync/internal/sheet"
	apperrors "github.com/spec-kit/ticket-sync/pkg/util/errorutil"
)

// TicketsHandler exposes lifecycle endpoints for one ticket family.
type TicketsHandler struct {
	service *lifecycle.Service
	mirror  *sheet.Mirror
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(service *lifecycle.Service, mirror *sheet.Mirror) *TicketsHandler {
	return &TicketsHandler{service: service, mirror: mirror}
}

// List GET /api/{family}.
func (h *TicketsHandler) List(c *fiber.Ctx) error {
	tickets, err := h.service.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": tickets})
}

// Update PUT /api/{family}/:key.
func (h *TicketsHandler) Update(c *fiber.Ctx) error {
	var fields map[string]any
	if err := c.BodyParser(&fields); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	wait := c.Query("aguardar") == "true"
	result, err := h.service.Update(c.UserContext(), c.Params("key"), fields, wait)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"mensagem":         result.Message,
		"campos_ignorados": result.Skipped,
	})
}

// Claim PUT /{family}/:key/assumir.
func (h *TicketsHandler) Claim(c *fiber.Ctx) error {
	var req dto.ClaimRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	result, err := h.service.Claim(c.UserContext(), c.Params("key"), req.Usuario, req.ApenasVisual)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":           true,
		"mensagem":          result.Message,
		"responsavel_atual": result.Owner,
		"apenas_visual":     req.ApenasVisual,
	})
}

// Release PUT /{family}/:key/liberar.
func (h *TicketsHandler) Release(c *fiber.Ctx) error {
	var req dto.ReleaseRequest
	// An empty body means a full release.
	_ = c.BodyParser(&req)

	if err := h.service.Release(c.UserContext(), c.Params("key"), req.ApenasVisual); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"mensagem":      "ticket liberado com sucesso",
		"apenas_visual": req.ApenasVisual,
	})
}

// Finish PUT /{family}/:key/finalizar.
func (h *TicketsHandler) Finish(c *fiber.Ctx) error {
	return h.close(c, domain.OutcomeCompleted, "ticket finalizado com sucesso")
}

// Cancel PUT /{family}/:key/cancelar.
func (h *TicketsHandler) Cancel(c *fiber.Ctx) error {
	return h.close(c, domain.OutcomeCancelled, "ticket cancelado com sucesso")
}

func (h *TicketsHandler) close(c *fiber.Ctx, outcome domain.CloseOutcome, message string) error {
	if err := h.service.Close(c.UserContext(), c.Params("key"), outcome); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "mensagem": message})
}

// Notes GET /{family}/:key/observacoes.
func (h *TicketsHandler) Notes(c *fiber.Ctx) error {
	notes, err := h.service.Notes(c.UserContext(), c.Params("key"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "observacoes": notes})
}

// Annotate PUT /{family}/:key/observacao.
func (h *TicketsHandler) Annotate(c *fiber.Ctx) error {
	var req dto.AnnotateRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	note, err := h.service.Annotate(c.UserContext(), c.Params("key"), req.Usuario, req.Observacao)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"mensagem":   "observação adicionada com sucesso",
		"observacao": note,
	})
}

// Sheet GET /{family}/sheet.
func (h *TicketsHandler) Sheet(c *fiber.Ctx) error {
	rows, err := h.mirror.Snapshot(c.UserContext(), h.service.Family())
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": rows})
}
