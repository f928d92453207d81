package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	exportMaxRetry  = 5
	exportTimeout   = 3 * time.Minute
	exportRetention = 24 * time.Hour
)

// ErrDuplicateExport is returned when an export ID is already queued.
var ErrDuplicateExport = errors.New("export already queued")

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisConnOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueExport schedules job once. The export ID is the task ID, so a second
// enqueue of the same export fails with ErrDuplicateExport.
func (c *Client) EnqueueExport(ctx context.Context, job domain.ExportJob) (*asynq.TaskInfo, error) {
	task, err := NewExportImageTask(job)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, exportOptions(c.queue, job)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExport, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue export %s: %w", job.ID, err)
	}
	return info, nil
}

// exportOptions keeps finished tasks for a day so their state stays
// inspectable after the export record is written.
func exportOptions(queueName string, job domain.ExportJob) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(exportMaxRetry),
		asynq.Timeout(exportTimeout),
		asynq.Retention(exportRetention),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
