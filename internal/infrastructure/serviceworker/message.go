package serviceworker

import (
	"context"
	"encoding/json"

	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.uber.org/zap"
)

// Control message types
const (
	MessageClearImageCache = "CLEAR_IMAGE_CACHE"
)

// Message is a control message from the page
type Message struct {
	Type string `json:"type"`
}

// ParseMessage decodes a JSON control message
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, apperrors.NewBadRequestError("malformed control message").WithCause(err)
	}
	return msg, nil
}

// HandleMessage applies a control message. Unknown types are ignored.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageClearImageCache:
		removed, err := c.ClearImages(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("Image cache cleared", zap.Int("entries", removed))
		return nil
	default:
		c.logger.Debug("Ignoring unknown control message", zap.String("type", msg.Type))
		return nil
	}
}

// ClearImages deletes every entry of the current image generation and
// returns how many were removed
func (c *Controller) ClearImages(ctx context.Context) (int, error) {
	partition, err := c.store.Open(ctx, c.PartitionName(PurposeImage))
	if err != nil {
		return 0, apperrors.NewCacheStoreError("open image partition", err)
	}

	keys, err := partition.Keys(ctx)
	if err != nil {
		return 0, apperrors.NewCacheStoreError("list image entries", err)
	}

	removed := 0
	for _, key := range keys {
		ok, err := partition.Delete(ctx, key)
		if err != nil {
			return removed, apperrors.NewCacheStoreError("delete "+key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
