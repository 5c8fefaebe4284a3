package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	req := require.New(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	var order []string

	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(time.Second, func() {
		order = append(order, "a")
		f.AfterFunc(time.Second, func() { order = append(order, "b") })
	})
	stopped := f.AfterFunc(2*time.Second, func() { order = append(order, "x") })
	req.True(stopped.Stop())
	req.False(stopped.Stop())

	f.Advance(3 * time.Second)

	req.Equal([]string{"a", "b", "c"}, order)
	req.Equal(start.Add(3*time.Second), f.Now())
	req.Empty(f.Pending())
}
