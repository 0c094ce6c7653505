package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
)

// mockSQS returns a canned batch and records deletions.
type mockSQS struct {
	messages   []types.Message
	receiveErr error

	deleted []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	return &awssqs.ReceiveMessageOutput{Messages: m.messages}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	if params.ReceiptHandle != nil {
		m.deleted = append(m.deleted, *params.ReceiptHandle)
	}
	return &awssqs.DeleteMessageOutput{}, nil
}

// mockHandler records reconciled payloads.
type mockHandler struct {
	bodies  []string
	failFor map[string]error
}

func (m *mockHandler) HandleProviderEvent(ctx context.Context, provider string, raw []byte) (int, error) {
	if provider != db.ProviderEmail {
		return 0, errors.New("unexpected provider: " + provider)
	}
	body := string(raw)
	m.bodies = append(m.bodies, body)
	if err, ok := m.failFor[body]; ok {
		return 0, err
	}
	return 1, nil
}

func newTestConsumer(client sqsAPI, handler EventHandler) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: "https://sqs.test/queue",
		handler:  handler,
		logger:   zap.NewNop(),
	}
}

func TestPollReconcilesAndDeletes(t *testing.T) {
	client := &mockSQS{
		messages: []types.Message{
			{Body: aws.String(`{"eventType":"Delivery"}`), ReceiptHandle: aws.String("rh-1")},
			{Body: aws.String(`{"eventType":"Open"}`), ReceiptHandle: aws.String("rh-2")},
		},
	}
	handler := &mockHandler{}
	consumer := newTestConsumer(client, handler)

	if err := consumer.poll(context.Background()); err != nil {
		t.Fatalf("poll() error = %v", err)
	}

	if len(handler.bodies) != 2 {
		t.Fatalf("reconciled %d messages, want 2", len(handler.bodies))
	}
	if len(client.deleted) != 2 {
		t.Errorf("deleted %d messages, want 2", len(client.deleted))
	}
}

func TestPollLeavesFailedMessagesForRedelivery(t *testing.T) {
	failing := `{"eventType":"Delivery"}`
	client := &mockSQS{
		messages: []types.Message{
			{Body: aws.String(failing), ReceiptHandle: aws.String("rh-1")},
			{Body: aws.String(`{"eventType":"Open"}`), ReceiptHandle: aws.String("rh-2")},
		},
	}
	handler := &mockHandler{
		failFor: map[string]error{failing: errors.New("db unavailable")},
	}
	consumer := newTestConsumer(client, handler)

	if err := consumer.poll(context.Background()); err != nil {
		t.Fatalf("poll() error = %v", err)
	}

	if len(client.deleted) != 1 || client.deleted[0] != "rh-2" {
		t.Errorf("deleted = %v, want only rh-2", client.deleted)
	}
}

func TestPollSkipsEmptyBodies(t *testing.T) {
	client := &mockSQS{
		messages: []types.Message{
			{ReceiptHandle: aws.String("rh-1")},
		},
	}
	handler := &mockHandler{}
	consumer := newTestConsumer(client, handler)

	if err := consumer.poll(context.Background()); err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if len(handler.bodies) != 0 {
		t.Errorf("reconciled %d messages, want 0", len(handler.bodies))
	}
}

func TestPollReceiveFailure(t *testing.T) {
	client := &mockSQS{receiveErr: errors.New("throttled")}
	consumer := newTestConsumer(client, &mockHandler{})

	if err := consumer.poll(context.Background()); err == nil {
		t.Error("expected error when receive fails")
	}
}
