package queue

import (
	"encoding/json"
	"fmt"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeExportImage = "image:export"

// ExportImagePayload is the task body for an asynchronous export. The source
// artifact is staged in object storage under SourceKey before enqueueing.
type ExportImagePayload struct {
	Job domain.ExportJob `json:"job"`
}

func NewExportImageTask(job domain.ExportJob) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("validate export job: %w", err)
	}
	body, err := json.Marshal(ExportImagePayload{Job: job})
	if err != nil {
		return nil, fmt.Errorf("marshal export payload: %w", err)
	}
	return asynq.NewTask(TypeExportImage, body), nil
}

func ParseExportImagePayload(task *asynq.Task) (ExportImagePayload, error) {
	var payload ExportImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExportImagePayload{}, fmt.Errorf("unmarshal export payload: %w", err)
	}
	return payload, nil
}
