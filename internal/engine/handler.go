package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"cascade-backend/internal/cascade"
	"cascade-backend/internal/metadata"
	"cascade-backend/internal/record"
	"cascade-backend/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	opts     store.UnitOfWorkOptions
}

// NewHandler returns the record API handler. Every request runs in its own
// unit of work built with opts.
func NewHandler(s *store.Store, reg *metadata.Registry, opts store.UnitOfWorkOptions) *Handler {
	return &Handler{store: s, registry: reg, opts: opts}
}

func (h *Handler) unitOfWork() *store.UnitOfWork {
	return store.NewUnitOfWork(h.store, h.registry, h.opts)
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	rec, err := h.unitOfWork().Find(c.Context(), entity.Name, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	return c.JSON(fiber.Map{"data": rec.Map()})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	plan, validationErrs := PlanWrite(entity, h.registry, body, true)
	if len(validationErrs) > 0 {
		return respondError(c, ValidationError(validationErrs))
	}

	var rec *record.Record
	if entity.PrimaryKey.Generated {
		rec = record.NewWithSurrogateID(entity.Name)
		plan.Fields[entity.PrimaryKey.Field] = rec.ID()
	} else {
		pk, ok := plan.Fields[entity.PrimaryKey.Field]
		if !ok || pk == nil {
			return respondError(c, ValidationError([]ErrorDetail{{
				Field:   entity.PrimaryKey.Field,
				Rule:    "required",
				Message: fmt.Sprintf("%s is required", entity.PrimaryKey.Field),
			}}))
		}
		rec = record.New(entity.Name, pk)
	}

	uow := h.unitOfWork()
	uow.Track(rec)
	uow.Assign(rec, plan.Fields)
	if plan.DeletedAt != nil {
		rec.SetDeletedAt(*plan.DeletedAt)
	}
	if err := uow.Persist(rec); err != nil {
		return err
	}
	if _, err := uow.Commit(c.Context()); err != nil {
		return handleWriteError(c, err)
	}

	return c.Status(201).JSON(fiber.Map{"data": rec.Map()})
}

// Update handles PUT /api/:entity/:id. Setting deleted_at on a live record
// soft deletes it together with its cascade; null restores the record alone.
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	uow := h.unitOfWork()
	rec, err := uow.Load(c.Context(), entity.Name, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	plan, validationErrs := PlanWrite(entity, h.registry, body, false)
	if len(validationErrs) > 0 {
		return respondError(c, ValidationError(validationErrs))
	}

	uow.Assign(rec, plan.Fields)
	if plan.HasDeletedAt {
		if plan.DeletedAt == nil {
			rec.ClearDeletedAt()
		} else if rec.DeletedAt() == nil {
			rec.SetDeletedAt(*plan.DeletedAt)
		}
	}
	if err := uow.Persist(rec); err != nil {
		return err
	}

	result, err := uow.Commit(c.Context())
	if err != nil {
		return handleWriteError(c, err)
	}

	return c.JSON(fiber.Map{"data": rec.Map(), "cascade": cascadeSummary(result)})
}

// Delete handles DELETE /api/:entity/:id. Soft-deletable records are
// redirected into a soft cascade; others are removed along with their
// hard-cascaded relations.
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	uow := h.unitOfWork()
	rec, err := uow.Load(c.Context(), entity.Name, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	if err := uow.Remove(rec); err != nil {
		return err
	}
	result, err := uow.Commit(c.Context())
	if err != nil {
		return handleWriteError(c, err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{
		"id":      id,
		"cascade": cascadeSummary(result),
	}})
}

func cascadeSummary(result *store.CommitResult) fiber.Map {
	events := result.Events
	if events == nil {
		events = []store.CascadeEvent{}
	}
	return fiber.Map{
		"commit_id":    result.CommitID,
		"soft_deleted": result.Count(cascade.ModeSoft),
		"hard_deleted": result.Count(cascade.ModeHard),
		"events":       events,
	}
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

func handleWriteError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}

	var cascadeErr *cascade.Error
	if errors.As(err, &cascadeErr) {
		return respondError(c, CascadeError(cascadeErr))
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		return respondError(c, ConflictError("A record with this value already exists"))
	}

	return err
}
