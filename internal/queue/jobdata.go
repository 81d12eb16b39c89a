package queue

import (
	"encoding/json"
	"fmt"

	"github.com/justbecauselabs/pokecode/internal/models"
)

func marshalJobData(data models.JobData) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}
	return string(raw), nil
}

// UnmarshalJobData is the inverse, used by the Worker Pool to reconstruct
// the typed view of a leased job's Data column.
func UnmarshalJobData(raw string) (models.JobData, error) {
	var data models.JobData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return models.JobData{}, fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	return data, nil
}
