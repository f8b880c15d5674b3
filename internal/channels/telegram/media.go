package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/drostlabs/drost/internal/media"
)

// collectImages downloads the message's photo (largest rendition) into
// the media store and returns the resulting refs. Download failures are
// logged and skipped so the text still reaches the model.
func (c *Channel) collectImages(ctx context.Context, sessionSlug string, msg *telego.Message) []string {
	if len(msg.Photo) == 0 || c.cc.Media == nil {
		return nil
	}

	// Telegram lists renditions smallest first.
	largest := msg.Photo[len(msg.Photo)-1]
	data, mimeType, err := c.downloadFile(ctx, largest.FileID)
	if err != nil {
		c.logger.Warn("telegram.photo_download_failed", "fileId", largest.FileID, "error", err)
		return nil
	}

	ref, err := c.cc.Media.Put(sessionSlug, data, mimeType, "telegram")
	if err != nil {
		c.logger.Warn("telegram.photo_store_failed", "fileId", largest.FileID, "error", err)
		return nil
	}
	return []string{ref}
}

// downloadFile fetches one file from the Bot API file endpoint, bounded
// by the media store's item cap.
func (c *Channel) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > media.MaxItemBytes {
		return nil, "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, media.MaxItemBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > media.MaxItemBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", media.MaxItemBytes)
	}
	return data, mimeForPath(file.FilePath), nil
}

func mimeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
