package engine

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"cascade-backend/internal/cascade"
	"cascade-backend/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

// CascadeError converts a cascade failure into an API error. A blocked
// restrict relation is a conflict; every other code is a server-side
// configuration problem and keeps its code.
func CascadeError(err *cascade.Error) *AppError {
	appErr := &AppError{Code: err.Code, Status: 500, Message: err.Error()}
	if err.Code == cascade.CodeRestricted {
		appErr.Status = 409
	}
	if err.Field != "" {
		appErr.Details = []ErrorDetail{{Field: err.Entity + "." + err.Field, Rule: err.Code, Message: err.Message}}
	}
	return appErr
}

// ErrorHandler is the Fiber error handler: AppErrors and cascade errors are
// rendered as ErrorResponse, anything else is logged and reported as an
// internal error.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var cascadeErr *cascade.Error
	if errors.As(err, &cascadeErr) {
		appErr = CascadeError(cascadeErr)
		if appErr.Status >= 500 {
			log.Printf("ERROR: cascade: %v", err)
		}
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		return c.Status(409).JSON(ErrorResponse{Error: ConflictError("A record with this value already exists")})
	}

	if fiberErr == nil {
		log.Printf("ERROR: %v", err)
	}
	msg := "Internal server error"
	if fiberErr != nil {
		msg = fiberErr.Message
	}
	return c.Status(code).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: msg,
		},
	})
}
