package engine

import (
	"context"

	"github.com/kalambet/localrecall/internal/caption"
	"github.com/kalambet/localrecall/internal/storage"
)

// LocalCaptioner uses the local captioning microservice. The service takes no
// prompt; GeneratePrompt is still rendered so logs show the window context.
type LocalCaptioner struct {
	client *caption.Client
}

func NewLocalCaptioner(client *caption.Client) *LocalCaptioner {
	return &LocalCaptioner{client: client}
}

func (c *LocalCaptioner) Caption(ctx context.Context, imagePath, _ string) (string, error) {
	text, err := c.client.Caption(ctx, imagePath)
	return text, classify("local caption", err)
}

func (c *LocalCaptioner) GeneratePrompt(a storage.Activity) string {
	return GeneratePrompt(a)
}
