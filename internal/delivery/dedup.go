package delivery

import (
	"sort"
	"strconv"

	"github.com/aura-webinar/stagecore/internal/models"
)

// DedupKey is the semantic key of a message: sender, content and millisecond timestamp.
func DedupKey(m models.Message) string {
	return m.SenderID + "\x00" + m.Content + "\x00" + strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)
}

// DeduplicateMessages walks list from the latest arrival back, keeps the first
// occurrence of every id and every DedupKey, and returns the survivors sorted by
// CreatedAt. Applying it to its own output returns the same list.
func DeduplicateMessages(list []models.Message) []models.Message {
	seenID := make(map[string]struct{}, len(list))
	seenKey := make(map[string]struct{}, len(list))
	kept := make([]models.Message, 0, len(list))

	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		key := DedupKey(m)
		if _, ok := seenID[m.ID]; ok {
			continue
		}
		if _, ok := seenKey[key]; ok {
			continue
		}
		seenID[m.ID] = struct{}{}
		seenKey[key] = struct{}{}
		kept = append(kept, m)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	return kept
}
