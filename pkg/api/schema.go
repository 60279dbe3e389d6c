package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchemas holds the compiled JSON Schema for the sign_blinded,
// redeem and sync_offline request bodies, rejecting malformed payloads
// before they reach a handler's business logic.
var requestSchemas = mustCompileSchemas(map[string]string{
	"sign_blinded": `{
		"type": "object",
		"required": ["receiptRef", "blindedDigest", "ticketKind", "requestedValidFrom", "requestedValidUntil"],
		"properties": {
			"receiptRef": {
				"type": "object",
				"required": ["paymentProvider", "providerReceiptId"],
				"properties": {
					"paymentProvider": {"type": "string", "minLength": 1},
					"providerReceiptId": {"type": "string", "minLength": 1}
				}
			},
			"blindedDigest": {"type": "string", "minLength": 1},
			"requestedKeyId": {"type": "string"},
			"ticketKind": {"type": "string", "enum": ["single", "dayPass"]},
			"requestedValidFrom": {"type": "string"},
			"requestedValidUntil": {"type": "string"}
		}
	}`,
	"redeem": `{
		"type": "object",
		"required": ["ticketId", "signature", "keyId", "observedAt", "claimedKind"],
		"properties": {
			"ticketId": {"type": "string", "minLength": 1},
			"signature": {"type": "string", "minLength": 1},
			"keyId": {"type": "string", "minLength": 1},
			"validatorId": {"type": "string"},
			"observedAt": {"type": "string"},
			"claimedKind": {"type": "string", "enum": ["single", "dayPass"]},
			"claimedValidFrom": {"type": "string"},
			"claimedValidUntil": {"type": "string"}
		}
	}`,
	"sync_offline": `{
		"type": "object",
		"required": ["validatorId", "entries"],
		"properties": {
			"validatorId": {"type": "string", "minLength": 1},
			"entries": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["localId", "ticketHash", "ticketKind", "observedAt", "localDecision"],
					"properties": {
						"localId": {"type": "string", "minLength": 1},
						"ticketHash": {"type": "string", "minLength": 1},
						"ticketKind": {"type": "string", "enum": ["single", "dayPass"]},
						"observedAt": {"type": "string"},
						"localDecision": {"type": "string"}
					}
				}
			}
		}
	}`,
})

func mustCompileSchemas(raw map[string]string) map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(raw))
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	for name, body := range raw {
		url := fmt.Sprintf("https://fareline.schemas.local/api/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(body)); err != nil {
			panic(fmt.Sprintf("api: invalid schema %q: %v", name, err))
		}
		schema, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("api: schema %q failed to compile: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

// validateSchema checks doc (the result of decoding a JSON body into
// `any`) against the named request schema.
func validateSchema(name string, doc any) error {
	schema, ok := requestSchemas[name]
	if !ok {
		return fmt.Errorf("api: no schema registered for %q", name)
	}
	return schema.Validate(doc)
}
