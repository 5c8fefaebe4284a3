package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopic_PublishReachesSubscribers(t *testing.T) {
	req := require.New(t)
	var topic Topic[int]
	var a, b []int

	topic.Subscribe(func(v int) { a = append(a, v) })
	unsubscribe := topic.Subscribe(func(v int) { b = append(b, v) })

	topic.Publish(1)
	unsubscribe()
	unsubscribe()
	topic.Publish(2)

	req.Equal([]int{1, 2}, a)
	req.Equal([]int{1}, b)
	req.Equal(1, topic.Len())
}

func TestTopic_Clear(t *testing.T) {
	req := require.New(t)
	var topic Topic[string]
	called := false
	topic.Subscribe(func(string) { called = true })

	topic.Clear()
	topic.Publish("x")

	req.False(called)
	req.Zero(topic.Len())
}
