package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// Payload is the wire shape the backend accepts for one transaction.
type Payload struct {
	PrinterID string               `json:"printerId"`
	ReceiptID string               `json:"receiptId,omitempty"`
	Kind      string               `json:"kind,omitempty"`
	Items     []contracts.LineItem `json:"items"`
	Subtotal  float64              `json:"subtotal,omitempty"`
	Tax       float64              `json:"tax,omitempty"`
	Total     *float64             `json:"total"`
	Timestamp time.Time            `json:"timestamp"`
}

// payloadSchema is the outbound contract. Submissions are validated before
// they ever reach the wire; a schema violation here is an agent bug, and
// catching it locally beats a 400 from the backend.
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["printerId", "items", "timestamp"],
	"properties": {
		"printerId": {"type": "string", "minLength": 1},
		"receiptId": {"type": "string"},
		"kind": {"type": "string", "enum": ["sale", "void", "refund"]},
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "quantity", "unitPrice"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"quantity": {"type": "integer", "minimum": 1},
					"unitPrice": {"type": "number", "minimum": 0}
				}
			}
		},
		"subtotal": {"type": "number"},
		"tax": {"type": "number"},
		"total": {"type": ["number", "null"]},
		"timestamp": {"type": "string"}
	}
}`

func compilePayloadSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("transaction-payload.json", payloadSchema)
}

// buildPayload converts a stored transaction to its wire shape.
func buildPayload(t *contracts.Transaction) Payload {
	return Payload{
		PrinterID: t.PrinterID,
		ReceiptID: t.ReceiptID,
		Kind:      string(t.Kind),
		Items:     t.Items,
		Subtotal:  t.Subtotal,
		Tax:       t.Tax,
		Total:     t.Total,
		Timestamp: t.ObservedAt.UTC(),
	}
}

// encodePayload marshals, schema-checks, and canonicalizes a payload. The
// returned key is the hex SHA-256 of the RFC 8785 canonical form: the same
// logical transaction always produces the same Idempotency-Key, so a
// duplicate submission after a crash dedupes server-side.
func encodePayload(schema *jsonschema.Schema, p Payload) (body []byte, key string, err error) {
	body, err = json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("decode payload for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, "", fmt.Errorf("payload violates contract: %w", err)
	}

	canonical, err := jcs.Transform(body)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return body, hex.EncodeToString(sum[:]), nil
}
