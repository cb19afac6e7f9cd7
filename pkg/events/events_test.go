package events

import (
	"testing"
	"time"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	all := b.Subscribe()
	onlyA := b.SubscribeJob("job-a")

	b.Publish(&types.ExecutionEvent{JobID: "job-a", Kind: types.EventJobQueued})
	b.Publish(&types.ExecutionEvent{JobID: "job-b", Kind: types.EventJobQueued})

	var got []*types.ExecutionEvent
	for len(got) < 2 {
		select {
		case ev := <-all:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, "job-a", got[0].JobID)
	assert.Equal(t, "job-b", got[1].JobID)

	select {
	case ev := <-onlyA:
		assert.Equal(t, "job-a", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber received nothing")
	}
	select {
	case ev := <-onlyA:
		t.Fatalf("filtered subscriber received foreign event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerOrderingPerJob(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeJob("job-1")

	kinds := []types.EventKind{
		types.EventJobQueued,
		types.EventJobScheduled,
		types.EventJobStarted,
		types.EventJobCompleted,
	}
	for _, k := range kinds {
		b.Publish(&types.ExecutionEvent{JobID: "job-1", Kind: k})
	}

	for _, want := range kinds {
		select {
		case ev := <-sub:
			assert.Equal(t, want, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishSetsTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&types.ExecutionEvent{JobID: "job-1", Kind: types.EventJobQueued})

	select {
	case ev := <-sub:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
