package authority

import "certification-pipeline/internal/models"

const networkEnum = `{"type": "string", "enum": ["polygon", "bitcoin"]}`

// payloadSchemas holds one JSON Schema per accepted event kind. Kinds with an
// empty schema accept any payload object.
var payloadSchemas = map[string]string{
	models.KindProtectionRequested: `{
		"type": "object",
		"properties": {
			"required_evidence": {"type": "array", "items": {"type": "string"}},
			"requiredEvidence": {"type": "array", "items": {"type": "string"}},
			"protection": {"type": "array", "items": {"type": "string"}},
			"forensic_config": {
				"type": "object",
				"properties": {"polygon": {"type": "boolean"}, "bitcoin": {"type": "boolean"}}
			},
			"anchor_stage": {"type": "string", "enum": ["initial", "intermediate", "final"]},
			"step_index": {"type": "integer", "minimum": 0}
		}
	}`,
	models.KindTSAConfirmed: `{
		"type": "object",
		"required": ["token_b64"],
		"properties": {
			"token_b64": {"type": "string", "minLength": 1},
			"tsa_url": {"type": "string"},
			"witness_hash": {"type": "string"}
		}
	}`,
	models.KindTSAFailed: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"},
			"retryable": {"type": "boolean"}
		}
	}`,
	models.KindAnchorSubmitted: `{
		"type": "object",
		"required": ["network"],
		"properties": {
			"network": ` + networkEnum + `,
			"endpoint": {"type": "string"}
		}
	}`,
	models.KindAnchorConfirmed: `{
		"type": "object",
		"required": ["network", "confirmed_at"],
		"properties": {
			"network": ` + networkEnum + `,
			"confirmed_at": {"type": "string", "format": "date-time"},
			"tx_ref": {"type": "string"},
			"block_height": {"type": "integer", "minimum": 0},
			"anchor_id": {"type": "string"},
			"document_hash": {"type": "string"}
		}
	}`,
	models.KindAnchorLegacy: ``,
	models.KindAnchorFailed: `{
		"type": "object",
		"required": ["network", "reason"],
		"properties": {
			"network": ` + networkEnum + `,
			"reason": {"type": "string", "minLength": 1},
			"retryable": {"type": "boolean"},
			"attempts": {"type": "integer", "minimum": 0}
		}
	}`,
	models.KindAnchorOptOut: `{
		"type": "object",
		"required": ["network"],
		"properties": {"network": ` + networkEnum + `}
	}`,
	models.KindArtifactFinalized: `{
		"type": "object",
		"required": ["artifact_ref", "certificate_hash"],
		"properties": {
			"artifact_ref": {"type": "string", "minLength": 1},
			"certificate_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`,
	models.KindArtifactFailed: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	models.KindSignatureCompleted: `{
		"type": "object",
		"required": ["signer_id"],
		"properties": {
			"signer_id": {"type": "string", "minLength": 1},
			"email": {"type": "string"},
			"name": {"type": "string"},
			"identity_level": {"type": "string"},
			"signed_hash": {"type": "string"}
		}
	}`,
	models.KindWitnessSuperseded: `{
		"type": "object",
		"required": ["previous_witness_hash"],
		"properties": {"previous_witness_hash": {"type": "string", "minLength": 1}}
	}`,
}
