package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"

	"labchat/internal/content"
	"labchat/internal/models"
)

// ErrNotAudio is returned when a voice message upload is not an audio file.
var ErrNotAudio = errors.New("upload is not an audio file")

// UploadAudio posts a voice recording and returns the resulting message.
func (c *Client) UploadAudio(ctx context.Context, roomID int64, file models.Upload, durationSeconds float64) (models.Message, error) {
	fields := map[string]string{
		"duration": strconv.FormatFloat(durationSeconds, 'f', -1, 64),
	}
	return c.upload(ctx, "upload_audio", roomPath(roomID, "/audio"), "audio", file, fields, true)
}

// UploadFile posts an attachment and returns the resulting message.
func (c *Client) UploadFile(ctx context.Context, roomID int64, file models.Upload) (models.Message, error) {
	return c.upload(ctx, "upload_file", roomPath(roomID, "/files"), "file", file, nil, false)
}

func (c *Client) upload(ctx context.Context, op, path, field string, file models.Upload, fields map[string]string, audio bool) (models.Message, error) {
	body, contentType, err := multipartBody(field, file, fields, audio)
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
		c.metrics.RESTCall(op, err)
		return models.Message{}, err
	}

	var resp messageResponse
	if err := c.exec(ctx, op, http.MethodPost, path, nil, body, contentType, &resp); err != nil {
		return models.Message{}, err
	}
	return resp.Message, nil
}

// multipartBody encodes file under field. The part's content type is
// sniffed from the leading bytes, which must be audio when audio is set.
func multipartBody(field string, file models.Upload, fields map[string]string, audio bool) ([]byte, string, error) {
	if file.Reader == nil {
		return nil, "", errors.New("upload has no content")
	}

	head := make([]byte, content.SniffLen)
	n, err := io.ReadFull(file.Reader, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if audio && !content.IsAudio(head) {
		return nil, "", ErrNotAudio
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	name := filepath.Base(file.Name)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	h.Set("Content-Type", content.DetectMIME(head))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, io.MultiReader(bytes.NewReader(head), file.Reader)); err != nil {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
