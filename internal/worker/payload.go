package worker

import (
	"encoding/json"
	"fmt"

	"podcast-claim-pipeline/internal/models"
)

// decodePayload re-marshals the generic job payload into a typed struct.
func decodePayload(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
