package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"github.com/hibiken/asynq"
)

const TypeFrameRender = "frame:render"

// FrameJobPayload carries the fully resolved frame config so a worker never
// depends on its own defaults.
type FrameJobPayload struct {
	JobID       string                `json:"job_id"`
	SourceType  string                `json:"source_type"`
	WebhookURL  string                `json:"webhook_url,omitempty"`
	Items       []domain.SourceItem   `json:"items"`
	Frame       frame.Config          `json:"frame"`
	Output      domain.OutputSettings `json:"output"`
	RequestedAt time.Time             `json:"requested_at"`
}

func NewFrameJobPayload(job domain.Job, requestedAt time.Time) FrameJobPayload {
	return FrameJobPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		Items:       job.Items,
		Frame:       job.Frame,
		Output:      job.Output,
		RequestedAt: requestedAt,
	}
}

func NewFrameRenderTask(payload FrameJobPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return asynq.NewTask(TypeFrameRender, body), nil
}

func ParseFrameJobPayload(task *asynq.Task) (FrameJobPayload, error) {
	var payload FrameJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FrameJobPayload{}, fmt.Errorf("unmarshal frame payload: %w", err)
	}
	if payload.JobID == "" {
		return FrameJobPayload{}, fmt.Errorf("frame payload is missing job_id")
	}
	return payload, nil
}
