package catalogconsumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	msgs   chan kafka.Message
	errs   int
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.errs > 0 {
		f.errs--
		return kafka.Message{}, errors.New("coordinator not available")
	}
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type fakeReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReloader) ReloadNow(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeReloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewConsumer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		groupID string
		errMsg  string
	}{
		{name: "empty brokers", topic: "catalog.changed", groupID: "g", errMsg: "brokers cannot be empty"},
		{name: "empty topic", brokers: "localhost:9092", groupID: "g", errMsg: "topic cannot be empty"},
		{name: "empty group", brokers: "localhost:9092", topic: "catalog.changed", errMsg: "groupID cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConsumer(tt.brokers, tt.topic, tt.groupID, &fakeReloader{})
			assert.Nil(t, c)
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestConsumer_ReloadsOnEveryMessage(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3), errs: 1}
	reload := &fakeReloader{err: errors.New("database unavailable")}
	c := newConsumer(reader, "catalog.changed", reload)

	reader.msgs <- kafka.Message{Value: []byte(`{"entity":"sensor","id":7,"action":"UPDATED"}`)}
	reader.msgs <- kafka.Message{Value: []byte("not json")}
	reader.msgs <- kafka.Message{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return reload.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestDecode(t *testing.T) {
	assert.Equal(t, CatalogChanged{Entity: "policy", ID: 4, Action: "DELETED"},
		decode([]byte(`{"entity":"policy","id":4,"action":"DELETED"}`)))
	assert.Equal(t, CatalogChanged{}, decode([]byte("{")))
	assert.Equal(t, CatalogChanged{}, decode(nil))
}
