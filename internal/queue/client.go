package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueFrameJob(ctx context.Context, payload FrameJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewFrameRenderTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(5),
		asynq.Timeout(frameJobTimeout(len(payload.Items))),
	)
}

// frameJobTimeout grows with batch size; large blurs cost seconds per item.
func frameJobTimeout(items int) time.Duration {
	timeout := 3*time.Minute + time.Duration(items)*20*time.Second
	if timeout > 30*time.Minute {
		return 30 * time.Minute
	}
	return timeout
}

func (c *Client) Close() error {
	return c.client.Close()
}
