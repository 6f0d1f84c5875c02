// Package web provides the administrative HTTP surface: pending entries,
// dead letters, instances, audit queries and the two mutating operator
// actions (dead-letter replay, instance cancellation).
package web

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/fluxway/fluxway/pkg/audit"
	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/stream"
)

const defaultListCount = 100

// Canceller requests cancellation of a workflow instance.
type Canceller interface {
	CancelInstance(ctx context.Context, instanceID string) error
}

type Handlers struct {
	bus         *bus.Bus
	persistence persistence.Persistence
	auditLog    *audit.Log // nil when the process hosts no audit sink
	canceller   Canceller
	logger      *slog.Logger
}

func NewHandlers(b *bus.Bus, store persistence.Persistence, auditLog *audit.Log, canceller Canceller, logger *slog.Logger) *Handlers {
	return &Handlers{
		bus:         b,
		persistence: store,
		auditLog:    auditLog,
		canceller:   canceller,
		logger:      logger.With("module", "web"),
	}
}

// GetPending lists a group's delivered-but-unacknowledged entries on one
// partition.
func (h *Handlers) GetPending(c fiber.Ctx) error {
	partition := stream.Partition(c.Params("partition"))
	group := c.Params("group")

	entries, err := h.bus.Pending(c.Context(), partition, group)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"partition": partition,
		"group":     group,
		"pending":   entries,
		"count":     len(entries),
	})
}

// GetDeadLetters lists dead-lettered messages with their failure envelopes.
func (h *Handlers) GetDeadLetters(c fiber.Ctx) error {
	count := int64(defaultListCount)

	if raw := c.Query("count"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return badRequest(c, "count must be a positive integer")
		}

		count = parsed
	}

	records, err := h.bus.DeadLetters(c.Context(), count)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"dead_letters": records,
		"count":        len(records),
	})
}

// ReplayDeadLetter re-publishes one dead-lettered message with a fresh
// retry budget.
func (h *Handlers) ReplayDeadLetter(c fiber.Ctx) error {
	recordID := c.Params("id")

	newID, err := h.bus.ReplayDeadLetter(c.Context(), recordID)
	if err != nil {
		return handleError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Dead letter replayed", "record_id", recordID, "new_id", newID)

	return c.JSON(fiber.Map{
		"replayed":   recordID,
		"message_id": newID,
	})
}

// GetInstances lists workflow instances, optionally filtered by state.
func (h *Handlers) GetInstances(c fiber.Ctx) error {
	state := models.InstanceState(c.Query("state"))

	instances, err := h.persistence.Instances(c.Context(), state)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances": instances,
		"count":     len(instances),
	})
}

// GetInstance returns one instance with its current variables and task log.
func (h *Handlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")

	instance, err := h.persistence.InstanceByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	variables, err := h.persistence.Variables(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	tasks, err := h.persistence.TaskExecutions(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"instance":  instance,
		"variables": variables,
		"tasks":     tasks,
	})
}

// GetVariableHistory returns every version of one instance variable.
func (h *Handlers) GetVariableHistory(c fiber.Ctx) error {
	history, err := h.persistence.VariableHistory(c.Context(), c.Params("id"), c.Params("name"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"history": history})
}

// CancelInstance marks an instance for cancellation and compensation.
func (h *Handlers) CancelInstance(c fiber.Ctx) error {
	id := c.Params("id")

	err := h.canceller.CancelInstance(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Instance cancellation requested", "instance_id", id)

	return c.JSON(fiber.Map{"cancelled": id})
}

// GetAudit queries the audit log by agent, event type and time range.
func (h *Handlers) GetAudit(c fiber.Ctx) error {
	if h.auditLog == nil {
		return notFound(c, "no audit sink in this process")
	}

	filter := audit.Filter{
		AgentID:   c.Query("agent_id"),
		EventType: events.EventType(c.Query("event_type")),
		Limit:     defaultListCount,
	}

	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "from must be RFC3339")
		}

		filter.From = from
	}

	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "to must be RFC3339")
		}

		filter.To = to
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		filter.Limit = limit
	}

	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}

		filter.Offset = offset
	}

	entries, total := h.auditLog.Query(filter)

	return c.JSON(fiber.Map{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}
