package admin

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"cascade-backend/internal/auth"
	"cascade-backend/internal/metadata"
	"cascade-backend/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
}

func NewHandler(s *store.Store, reg *metadata.Registry) *Handler {
	return &Handler{store: s, registry: reg}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/_admin", middleware...)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Get("/entities/:name/relations", h.ListEntityRelations)

	admin.Get("/relations", h.ListRelations)
	admin.Get("/relations/:name", h.GetRelation)

	admin.Put("/schema", h.ReplaceSchema)

	admin.Get("/cascade-events", h.ListCascadeEvents)
	admin.Delete("/cascade-events", h.PurgeCascadeEvents)
}

// --- Entity Endpoints ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllEntities()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Entity not found: " + name}})
	}
	return c.JSON(fiber.Map{"data": entity})
}

// ListEntityRelations returns the descriptor table of one entity in
// declaration order, the same view the cascade engine walks.
func (h *Handler) ListEntityRelations(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Entity not found: " + name}})
	}
	rels := h.registry.DescribeRelations(name)
	if rels == nil {
		rels = []*metadata.Relation{}
	}
	return c.JSON(fiber.Map{"data": rels})
}

// --- Relation Endpoints ---

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllRelations()})
}

func (h *Handler) GetRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	rel := h.registry.GetRelation(name)
	if rel == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Relation not found: " + name}})
	}
	return c.JSON(fiber.Map{"data": rel})
}

// --- Schema ---

// ReplaceSchema validates a complete schema, migrates the tables it needs
// and only then swaps it into the registry. A schema that fails validation
// or migration leaves the registry untouched.
func (h *Handler) ReplaceSchema(c *fiber.Ctx) error {
	var schema metadata.Schema
	if err := c.BodyParser(&schema); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	if err := schema.ApplyDefaults(); err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}
	staging, err := metadata.BuildRegistry(&schema)
	if err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}
	if err := store.NewMigrator(h.store, staging).MigrateAll(c.Context()); err != nil {
		log.Printf("ERROR: migrate replacement schema: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": fiber.Map{"code": "MIGRATION_FAILED", "message": err.Error()}})
	}
	h.registry.Replace(staging)

	log.Printf("Schema replaced by %s: %d entities, %d relations", actor(c), len(schema.Entities), len(schema.Relations))
	return c.JSON(fiber.Map{"data": fiber.Map{
		"entities":  len(schema.Entities),
		"relations": len(schema.Relations),
	}})
}

// actor names the authenticated user for the audit log lines.
func actor(c *fiber.Ctx) string {
	if user := auth.GetUser(c); user != nil {
		return user.ID
	}
	return "anonymous"
}

// --- Cascade events ---

func (h *Handler) ListCascadeEvents(c *fiber.Ctx) error {
	rows, err := store.ListCascadeEvents(c.Context(), h.store, c.Query("entity"), c.Query("commit_id"), c.QueryInt("limit", 100))
	if err != nil {
		return fmt.Errorf("list cascade events: %w", err)
	}
	return c.JSON(fiber.Map{"data": rows})
}

// PurgeCascadeEvents deletes events recorded before ?before (RFC3339), or
// older than ?older_than_days when before is absent.
func (h *Handler) PurgeCascadeEvents(c *fiber.Ctx) error {
	before := time.Now().AddDate(0, 0, -c.QueryInt("older_than_days", 0))
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "before must be an RFC3339 timestamp"}})
		}
		before = t
	}
	n, err := store.PurgeCascadeEvents(c.Context(), h.store, before)
	if err != nil {
		return err
	}
	log.Printf("Cascade events before %s purged by %s: %d", before.Format(time.RFC3339), actor(c), n)
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": n}})
}
