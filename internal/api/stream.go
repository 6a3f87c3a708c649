package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"os"
	"strconv"
	"strings"
)

// Upload is one content-bearing queue item. The file is opened and
// spooled into the request body at submission time; after a successful
// submission the content belongs to the request, not the queue.
type Upload struct {
	Name string
	Size int64
	Path string
}

// StreamRequest is the payload of POST /api/convert-stream.
type StreamRequest struct {
	OutputDir    string
	OutputFormat string
	MP3Quality   string
	Concurrency  int
	DBPath       string
	Uploads      []Upload
	InputPaths   []string

	// SpoolProgress, when set, receives a copy of every uploaded body
	// byte. The CLI points a progress bar at it.
	SpoolProgress io.Writer
}

// ConvertStream submits a conversion run and returns the live event
// stream. A response that is not 200 text/event-stream is a pre-stream
// rejection and decodes into *Error; the stream itself never retries.
// Cancelling ctx aborts both the upload and the stream.
func (c *Client) ConvertStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeStreamBody(writer, req))
	}()

	httpReq, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.baseURL+"/api/convert-stream", pr)
	if err != nil {
		return nil, fmt.Errorf("create convert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("convert-stream request: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != nethttp.StatusOK || !strings.Contains(contentType, "text/event-stream") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, decodeError(resp.StatusCode, body)
	}

	return resp.Body, nil
}

// writeStreamBody spools the multipart fields and file contents into w.
func writeStreamBody(w *multipart.Writer, req StreamRequest) error {
	fields := map[string]string{
		"outputDir":    req.OutputDir,
		"outputFormat": req.OutputFormat,
		"mp3Quality":   req.MP3Quality,
		"concurrency":  strconv.Itoa(req.Concurrency),
	}
	if req.DBPath != "" {
		fields["dbPath"] = req.DBPath
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	for _, up := range req.Uploads {
		if err := spoolUpload(w, up, req.SpoolProgress); err != nil {
			return err
		}
	}

	if len(req.InputPaths) > 0 {
		encoded, err := json.Marshal(req.InputPaths)
		if err != nil {
			return fmt.Errorf("encode input paths: %w", err)
		}
		if err := w.WriteField("inputPaths", string(encoded)); err != nil {
			return fmt.Errorf("write input paths: %w", err)
		}
	}

	return w.Close()
}

func spoolUpload(w *multipart.Writer, up Upload, progress io.Writer) error {
	part, err := w.CreateFormFile("kggFiles", up.Name)
	if err != nil {
		return fmt.Errorf("create file part %s: %w", up.Name, err)
	}

	f, err := os.Open(up.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", up.Name, err)
	}
	defer f.Close()

	dst := part
	if progress != nil {
		dst = io.MultiWriter(part, progress)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("upload %s: %w", up.Name, err)
	}
	return nil
}
