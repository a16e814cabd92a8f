package backend

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/tjfontaine/nexus-session/internal/upload"
)

// UploadFile streams one file to POST /sessions/{id}/files as the multipart
// field "files". onProgress receives the percentage of the file sent. The
// JSON call timeout does not apply; see WithUploadTimeout.
func (c *Client) UploadFile(ctx context.Context, sessionID string, src upload.Source, onProgress func(percent int)) (*UploadResponse, error) {
	if c.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
	}
	if src.Open == nil {
		return nil, fmt.Errorf("failed to upload %s: no content", src.Name)
	}
	content, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src.Name, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer content.Close()

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", multipart.FileContentDisposition("files", src.Name))
		ctype := src.Type
		if !strings.Contains(ctype, "/") {
			ctype = "application/octet-stream"
		}
		h.Set("Content-Type", ctype)

		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, upload.NewProgressReader(content, src.Size, onProgress)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionPath(sessionID, "files"), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	body, err := c.send(req)
	// Unblocks the writer if the request ended before the body was consumed.
	pr.Close()
	if err != nil {
		return nil, err
	}

	var resp UploadResponse
	if err := decodeBody(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
