package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/aide/pkg/ingest"
)

// imageAttachment downloads the message's photo, or an image sent as a
// document. ok is false when the message carries no image.
func (b *Bot) imageAttachment(ctx context.Context, msg *tgbotapi.Message) (ingest.Attachment, bool, error) {
	var fileID, mediaType, name string
	switch {
	case len(msg.Photo) > 0:
		photo, found := pickPhoto(msg.Photo, MaxPhotoSize)
		if !found {
			return ingest.Attachment{}, false, fmt.Errorf("every photo size exceeds %d bytes", MaxPhotoSize)
		}
		fileID, mediaType = photo.FileID, "image/jpeg"
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		if msg.Document.FileSize > MaxPhotoSize {
			return ingest.Attachment{}, false, fmt.Errorf("file size %d exceeds maximum %d", msg.Document.FileSize, MaxPhotoSize)
		}
		fileID, mediaType, name = msg.Document.FileID, msg.Document.MimeType, msg.Document.FileName
	default:
		return ingest.Attachment{}, false, nil
	}

	data, err := b.download(ctx, fileID)
	if err != nil {
		return ingest.Attachment{}, false, err
	}
	return ingest.Attachment{MediaType: mediaType, Name: name, Data: data}, true, nil
}

// pickPhoto returns the largest size within limit. Sizes with unknown
// length are accepted and checked during download.
func pickPhoto(sizes []tgbotapi.PhotoSize, limit int) (tgbotapi.PhotoSize, bool) {
	for i := len(sizes) - 1; i >= 0; i-- {
		if sizes[i].FileSize <= limit {
			return sizes[i], true
		}
	}
	return tgbotapi.PhotoSize{}, false
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPhotoSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxPhotoSize {
		return nil, fmt.Errorf("file exceeds maximum %d bytes", MaxPhotoSize)
	}
	b.logger.Debug().Str("file_id", fileID).Int("size", len(data)).Msg("File downloaded")
	return data, nil
}
