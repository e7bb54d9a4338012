package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/types"
)

// RemoteReplayers returns the replay functions for the generic queue's item
// types that map onto a single remote write. Every write is keyed by natural
// identity so a replay can repeat. streak_update items are replayed by the
// streak service, which re-reads the row first.
func RemoteReplayers(client remote.Client) map[ItemType]ReplayFunc {
	return map[ItemType]ReplayFunc{
		TypeLessonComplete: func(ctx context.Context, item Item) error {
			var p types.LessonCompletion
			if err := decode(item, &p); err != nil {
				return err
			}
			return client.Upsert(ctx, types.TableLessonProgress, p, "user_id", "lesson_id")
		},
		TypeReviewRating: func(ctx context.Context, item Item) error {
			var p types.ReviewRating
			if err := decode(item, &p); err != nil {
				return err
			}
			return client.Upsert(ctx, types.TableReviewRatings, p, "user_id", "word_id")
		},
		TypeSettingsUpdate: func(ctx context.Context, item Item) error {
			var p types.SettingsUpdate
			if err := decode(item, &p); err != nil {
				return err
			}
			return client.Update(ctx, types.TableSettings, p.Settings, remote.Eq("user_id", p.UserID))
		},
	}
}

func decode(item Item, v any) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", item.Type, err)
	}
	return nil
}
