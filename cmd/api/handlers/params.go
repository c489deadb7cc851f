package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// IdempotencyKeyHeader lets clients retry POST /changes safely
const IdempotencyKeyHeader = "Idempotency-Key"

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, invalidParam(name, "must be a UUID")
	}
	return id, nil
}

func optionalUUID(field, raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalidParam(field, "must be a UUID")
	}
	return &id, nil
}

// limitParam reads ?limit=; zero means the service default
func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, invalidParam("limit", "must be a positive integer")
	}
	return limit, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidParam(name, "must be true or false")
	}
	return v, nil
}

func resourceTypeParam(field, raw string) (*models.ResourceType, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := models.ParseResourceType(raw)
	if err != nil {
		return nil, invalidParam(field, "must be property or banner")
	}
	return &t, nil
}

// bind decodes the body and runs the request validator
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return invalidParam("body", "must be valid JSON")
	}
	return c.Validate(req)
}

// maxDocumentBytes bounds a raw resource document body
const maxDocumentBytes = 1 << 20

// decodeDocument reads a raw JSON object body
func decodeDocument(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDocumentBytes))
	if err != nil {
		return nil, invalidParam("body", "could not be read")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return nil, invalidParam("body", "must be a JSON object")
	}
	return json.RawMessage(body), nil
}
