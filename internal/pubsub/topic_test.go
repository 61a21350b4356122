package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicListenersRunInOrder(t *testing.T) {
	topic := NewTopic[int]()

	var got []string
	topic.Listen(func(v int) { got = append(got, "first") })
	topic.Listen(func(v int) { got = append(got, "second") })

	topic.Publish(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestTopicListenCancel(t *testing.T) {
	topic := NewTopic[int]()

	calls := 0
	cancel := topic.Listen(func(int) { calls++ })
	topic.Publish(1)
	cancel()
	cancel()
	topic.Publish(2)

	assert.Equal(t, 1, calls)
}

func TestTopicSubscribe(t *testing.T) {
	topic := NewTopic[string]()

	a, cancelA := topic.Subscribe(4)
	b, cancelB := topic.Subscribe(4)
	defer cancelB()

	topic.Publish("hello")

	assert.Equal(t, "hello", <-a)
	assert.Equal(t, "hello", <-b)

	cancelA()
	_, ok := <-a
	assert.False(t, ok, "cancelled subscription channel should be closed")

	topic.Publish("again")
	assert.Equal(t, "again", <-b)
}

func TestTopicDropsWhenSubscriberIsFull(t *testing.T) {
	topic := NewTopic[int]()
	ch, cancel := topic.Subscribe(1)
	defer cancel()

	topic.Publish(1)
	topic.Publish(2)

	require.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(1), topic.Dropped())
}

func TestTopicClose(t *testing.T) {
	topic := NewTopic[int]()
	ch, cancel := topic.Subscribe(1)
	calls := 0
	topic.Listen(func(int) { calls++ })

	topic.Close()
	cancel()
	topic.Publish(1)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, calls)
}
