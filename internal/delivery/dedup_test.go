package delivery

import (
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender, content string, offset time.Duration) models.Message {
	return models.Message{ID: id, SenderID: sender, Content: content, CreatedAt: base.Add(offset)}
}

func ids(list []models.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestDeduplicateMessages(t *testing.T) {
	tests := []struct {
		name string
		in   []models.Message
		want []string
	}{
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
		{
			name: "same id delivered twice keeps latest arrival",
			in: []models.Message{
				msg("a", "u1", "hi", 0),
				msg("b", "u2", "yo", time.Second),
				msg("a", "u1", "hi", 0),
			},
			want: []string{"a", "b"},
		},
		{
			name: "local echo and server copy collapse",
			in: []models.Message{
				msg("local-1", "u1", "hello", 2*time.Second),
				msg("srv-9", "u1", "hello", 2*time.Second),
			},
			want: []string{"srv-9"},
		},
		{
			name: "same content at different times is kept",
			in: []models.Message{
				msg("a", "u1", "+1", 0),
				msg("b", "u1", "+1", time.Second),
			},
			want: []string{"a", "b"},
		},
		{
			name: "out of order arrivals are sorted",
			in: []models.Message{
				msg("c", "u1", "third", 3*time.Second),
				msg("a", "u1", "first", time.Second),
				msg("b", "u2", "second", 2*time.Second),
			},
			want: []string{"a", "b", "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			got := DeduplicateMessages(tt.in)
			req.Equal(tt.want, ids(got))
		})
	}
}

func TestDeduplicateMessages_Idempotent(t *testing.T) {
	req := require.New(t)
	rng := rand.New(rand.NewSource(42))
	senders := []string{"u1", "u2", "u3"}
	contents := []string{"hi", "ok", "+1", "brb"}

	for round := 0; round < 200; round++ {
		n := rng.Intn(12)
		list := make([]models.Message, n)
		for i := range list {
			list[i] = msg(
				strconv.Itoa(rng.Intn(6)),
				senders[rng.Intn(len(senders))],
				contents[rng.Intn(len(contents))],
				time.Duration(rng.Intn(4))*time.Second,
			)
		}

		once := DeduplicateMessages(list)
		twice := DeduplicateMessages(once)

		req.Equal(once, twice, "round %d", round)
	}
}
