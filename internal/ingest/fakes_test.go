package ingest

import (
	"sort"
	"sync"
	"time"
)

// fakeClient is a test fake for Client.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	topics     map[string]byte
	subErr     error
	subCalls   int
	unsubCalls int
}

func newFakeClient(connected bool) *fakeClient {
	return &fakeClient{connected: connected, topics: make(map[string]byte)}
}

func (f *fakeClient) Subscribe(topics []string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return f.subErr
	}
	for _, t := range topics {
		f.topics[t] = qos
	}
	return nil
}

func (f *fakeClient) Unsubscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls++
	for _, t := range topics {
		delete(f.topics, t)
	}
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
	if !v {
		// Clean session: the broker forgets subscriptions.
		f.topics = make(map[string]byte)
	}
}

func (f *fakeClient) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.topics))
	for t := range f.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// fakeSink is a test fake for MeasurementSink and EventSink.
type fakeSink[T any] struct {
	items []T
	full  bool
}

func (f *fakeSink[T]) Push(item T) bool {
	f.items = append(f.items, item)
	return f.full
}

// fakeMetrics is a test fake for MetricsRecorder.
type fakeMetrics struct {
	receivedCalls  int
	processedCalls int
	errorCalls     int
	customCalls    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{customCalls: make(map[string]int)}
}

func (f *fakeMetrics) RecordReceived()                 { f.receivedCalls++ }
func (f *fakeMetrics) RecordProcessed(_ time.Duration) { f.processedCalls++ }
func (f *fakeMetrics) RecordError()                    { f.errorCalls++ }
func (f *fakeMetrics) IncrementCustom(name string)     { f.customCalls[name]++ }
