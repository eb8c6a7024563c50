package aws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"usermetrics/internal/aws"
)

type fakeS3 struct {
	bucket, key string
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket, f.key = *in.Bucket, *in.Key
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestMirror_Upload(t *testing.T) {
	local := filepath.Join(t.TempDir(), "persons.parquet")
	require.NoError(t, os.WriteFile(local, []byte("PAR1"), 0o644))

	client := &fakeS3{}
	m := aws.Mirror{Log: zaptest.NewLogger(t), Client: client, Bucket: "lake", Prefix: "raw"}
	key, err := m.Upload(context.Background(), local, "2024/01/01/persons.parquet")
	require.NoError(t, err)
	require.Equal(t, "raw/2024/01/01/persons.parquet", key)
	require.Equal(t, "lake", client.bucket)
	require.Equal(t, []byte("PAR1"), client.body)
}

func TestMirror_Key(t *testing.T) {
	m := aws.Mirror{Prefix: "raw"}
	require.Equal(t, "raw/2024/01/01/persons.parquet", m.Key("../2024/01/01/persons.parquet"))
	require.Equal(t, "2024/01/01/persons.parquet", aws.Mirror{}.Key("2024/01/01/persons.parquet"))
}

func TestMirror_Errors(t *testing.T) {
	_, err := aws.Mirror{}.Upload(context.Background(), "x", "y")
	require.Error(t, err)

	local := filepath.Join(t.TempDir(), "persons.parquet")
	require.NoError(t, os.WriteFile(local, []byte("PAR1"), 0o644))
	m := aws.Mirror{Client: &fakeS3{err: errors.New("denied")}, Bucket: "lake"}
	_, err = m.Upload(context.Background(), local, "persons.parquet")
	require.Error(t, err)
	require.True(t, aws.Error.Has(err))
}

func TestSQSPublisher_Publish(t *testing.T) {
	client := &fakeSQS{}
	ev := aws.Event{RunID: "r1", Event: "load", Partition: "2024-01-01", Table: "persons_anonymized", Rows: 5, Total: 5}

	require.NoError(t, aws.SQSPublisher{Client: client, Queue: "https://sqs/q"}.Publish(context.Background(), ev))
	require.Nil(t, client.inputs[0].MessageGroupId)

	var got aws.Event
	require.NoError(t, json.Unmarshal([]byte(*client.inputs[0].MessageBody), &got))
	require.Equal(t, ev, got)

	require.NoError(t, aws.SQSPublisher{Client: client, Queue: "https://sqs/q.fifo"}.Publish(context.Background(), ev))
	require.Equal(t, "partition-2024-01-01", *client.inputs[1].MessageGroupId)
	require.Equal(t, "r1", *client.inputs[1].MessageDeduplicationId)
}
