package interfaces

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application"
)

// queueReader 依次返回预置的消息，取完后阻塞直到 ctx 取消
type queueReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed chan kafka.Message
}

func newQueueReader(msgs ...kafka.Message) *queueReader {
	return &queueReader{pending: msgs, committed: make(chan kafka.Message, len(msgs))}
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed <- m
	}
	return nil
}

func (r *queueReader) Close() error { return nil }

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

// scriptedStarter 按顺序返回预置的错误
type scriptedStarter struct {
	mu    sync.Mutex
	errs  []error
	calls []*application.StartSagaRequest
}

func (s *scriptedStarter) StartSagaAsync(_ context.Context, req *application.StartSagaRequest) (*application.SagaStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &application.SagaStatus{SagaID: req.OrderID}, nil
}

// consume 运行消费者直到 n 条消息被提交
func consume(t *testing.T, a *OrderConsumerAdapter, r *queueReader, n int) {
	t.Helper()
	a.policy.InitialBackoff = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for i := 0; i < n; i++ {
		select {
		case <-r.committed:
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatalf("timed out waiting for commit %d", i+1)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run returned %v", err)
	}
}

func TestConsumerStartsSagaFromMessage(t *testing.T) {
	reader := newQueueReader(kafka.Message{
		Topic: orderCreationTopic,
		Key:   []byte("ORD-42"),
		Value: []byte(`{"customerId":"C1","items":[{"productId":"P1","quantity":2}],"paymentMethod":"card-1"}`),
	})
	starter := &scriptedStarter{}
	dlt := &captureWriter{}

	consume(t, NewOrderConsumerAdapter(reader, starter, dlt), reader, 1)

	if len(starter.calls) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starter.calls))
	}
	req := starter.calls[0]
	if req.OrderID != "ORD-42" || req.CustomerID != "C1" || len(req.Items) != 1 || req.Items[0].Quantity != 2 {
		t.Errorf("unexpected request %+v", req)
	}
	if len(dlt.msgs) != 0 {
		t.Errorf("expected no dead letters, got %d", len(dlt.msgs))
	}
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	reader := newQueueReader(kafka.Message{Key: []byte("ORD-1"), Value: []byte(`{"customerId":"C1"}`)})
	starter := &scriptedStarter{errs: []error{
		apperrors.Wrap(apperrors.KindProvider, context.DeadlineExceeded, "inventory"),
		nil,
	}}
	dlt := &captureWriter{}

	consume(t, NewOrderConsumerAdapter(reader, starter, dlt), reader, 1)

	if len(starter.calls) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(starter.calls))
	}
	if len(dlt.msgs) != 0 {
		t.Errorf("expected no dead letters, got %d", len(dlt.msgs))
	}
}

func TestConsumerDeadLettersRejectedMessages(t *testing.T) {
	reader := newQueueReader(
		kafka.Message{Topic: orderCreationTopic, Partition: 1, Offset: 7, Key: []byte("ORD-1"), Value: []byte(`{not json`)},
		kafka.Message{Topic: orderCreationTopic, Partition: 1, Offset: 8, Key: []byte("ORD-2"), Value: []byte(`{"customerId":"C1"}`)},
	)
	starter := &scriptedStarter{errs: []error{apperrors.New(apperrors.KindValidation, "order has no line items")}}
	dlt := &captureWriter{}

	consume(t, NewOrderConsumerAdapter(reader, starter, dlt), reader, 2)

	if len(starter.calls) != 1 {
		t.Errorf("validation errors must not be retried, got %d calls", len(starter.calls))
	}
	if len(dlt.msgs) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(dlt.msgs))
	}
	headers := mq.KafkaHeaderCarrier(dlt.msgs[0].Headers)
	if headers.Get(mq.HeaderOriginalOffset) != "7" || headers.Get(mq.HeaderOriginalTopic) != orderCreationTopic {
		t.Errorf("dead letter lost its origin: %+v", dlt.msgs[0].Headers)
	}
	if headers.Get(mq.HeaderExceptionMessage) == "" {
		t.Error("dead letter should carry the failure reason")
	}
}

func TestDltConsumerCommitsEveryMessage(t *testing.T) {
	reader := newQueueReader(kafka.Message{Key: []byte("ORD-1"), Value: []byte(`{}`)}, kafka.Message{Key: []byte("ORD-2")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDltConsumerAdapter(reader).Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-reader.committed:
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("timed out waiting for commit")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run returned %v", err)
	}
}
