package service

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var emptyDocument = json.RawMessage(`{}`)

// MergePayload applies a proposed payload onto a resource document with
// RFC 7386 merge-patch semantics: present fields override, absent fields
// keep the existing value and null removes the field. Applying the same
// payload to its own result yields that result again.
func MergePayload(base, payload json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		base = emptyDocument
	}
	if len(payload) == 0 {
		payload = emptyDocument
	}

	merged, err := jsonpatch.MergePatch(base, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to merge payload: %w", err)
	}

	return merged, nil
}

// normalizePayload returns an empty object for a missing payload
func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 || string(payload) == "null" {
		return append(json.RawMessage(nil), emptyDocument...)
	}
	return append(json.RawMessage(nil), payload...)
}
