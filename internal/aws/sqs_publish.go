package aws

import (
	"context"
	"encoding/json"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Event is the message body published after a pipeline phase.
type Event struct {
	RunID     string `json:"run_id"`
	Event     string `json:"event"`
	Partition string `json:"partition"`
	Table     string `json:"table,omitempty"`
	Rows      int64  `json:"rows"`
	Total     int64  `json:"total,omitempty"`
}

// SQSPublisher sends events to one queue. FIFO queues get the partition
// as message group and the run id as deduplication id.
type SQSPublisher struct {
	Client SQSAPI
	Queue  string
}

func (p SQSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.Client == nil {
		return Error.New("sqs client is nil")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Error.Wrap(err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    awssdk.String(p.Queue),
		MessageBody: awssdk.String(string(body)),
	}
	if strings.HasSuffix(p.Queue, ".fifo") {
		in.MessageGroupId = awssdk.String("partition-" + ev.Partition)
		in.MessageDeduplicationId = awssdk.String(ev.RunID)
	}
	if _, err := p.Client.SendMessage(ctx, in); err != nil {
		return Error.New("send message: %v", err)
	}
	return nil
}
