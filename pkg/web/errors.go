package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/engine"
	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/stream"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps domain errors to problem documents.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, persistence.ErrInstanceNotFound):
		return notFound(c, "instance not found")
	case errors.Is(err, persistence.ErrDefinitionNotFound):
		return notFound(c, "workflow definition not found")
	case errors.Is(err, persistence.ErrVariableNotFound):
		return notFound(c, "variable not found")
	case errors.Is(err, bus.ErrMessageNotFound):
		return notFound(c, "message not found")
	case errors.Is(err, stream.ErrPartitionNotFound):
		return notFound(c, "partition not found")
	case errors.Is(err, engine.ErrInstanceTerminal):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
