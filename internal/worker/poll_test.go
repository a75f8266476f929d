package worker

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	receiveInputs []*sqs.ReceiveMessageInput
	deleted       []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInputs = append(f.receiveInputs, in)
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestConsumerVisibilityTimeout(t *testing.T) {
	w, _, _, _ := newTestWorker(t, &fakeResolver{})
	sqsClient := &fakeSQS{}

	consumer, err := NewConsumer(ConsumerConfig{
		Logger:            w.lg,
		SQS:               sqsClient,
		QueueURL:          "https://sqs.us-east-1.amazonaws.com/111111111111/tasks",
		Worker:            w,
		VisibilityTimeout: 300,
	})
	require.NoError(t, err)

	require.NoError(t, consumer.pollOnce(context.Background()))
	require.Len(t, sqsClient.receiveInputs, 1)
	assert.Equal(t, int32(300), sqsClient.receiveInputs[0].VisibilityTimeout)
}

func TestConsumerVisibilityTimeoutDefault(t *testing.T) {
	w, _, _, _ := newTestWorker(t, &fakeResolver{})
	sqsClient := &fakeSQS{}

	consumer, err := NewConsumer(ConsumerConfig{
		Logger:   w.lg,
		SQS:      sqsClient,
		QueueURL: "https://sqs.us-east-1.amazonaws.com/111111111111/tasks",
		Worker:   w,
	})
	require.NoError(t, err)

	require.NoError(t, consumer.pollOnce(context.Background()))
	require.Len(t, sqsClient.receiveInputs, 1)
	assert.Equal(t, int32(900), sqsClient.receiveInputs[0].VisibilityTimeout)
}
