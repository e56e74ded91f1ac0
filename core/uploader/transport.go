package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zacheryvaughn/network-volume-manager/core/model"
	"github.com/zacheryvaughn/network-volume-manager/core/volume"
	"github.com/zacheryvaughn/network-volume-manager/lib/checksum"
	"github.com/zacheryvaughn/network-volume-manager/lib/logger"
)

var log, _ = logger.New("uploader")

// StatusError is a non-2xx reply from the volume server.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Detail)
}

// Fatal reports whether the error must not be retried: every 4xx is a
// validation or traversal rejection, which a retry can never fix.
func (e *StatusError) Fatal() bool {
	return e.Code >= 400 && e.Code < 500
}

// Client speaks the volume manager HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			// The whole-file upload answers 303; surface it instead of
			// chasing the browser redirect.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ChunkUpload carries one chunk of a chunked upload.
type ChunkUpload struct {
	Filename    string
	Index       int
	TotalChunks int
	TotalSize   int64
	ChunkSize   int64
	Data        []byte
}

// UploadChunk posts one chunk and reports whether the server finished
// assembling the file.
func (c *Client) UploadChunk(ctx context.Context, dir string, chunk ChunkUpload) (bool, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"filename":     chunk.Filename,
		"chunk_index":  strconv.Itoa(chunk.Index),
		"total_chunks": strconv.Itoa(chunk.TotalChunks),
		"total_size":   strconv.FormatInt(chunk.TotalSize, 10),
		"chunk_size":   strconv.FormatInt(chunk.ChunkSize, 10),
		"checksum":     strconv.Itoa(checksum.CalculateCheckSum(chunk.Data)),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return false, err
		}
	}

	part, err := mw.CreateFormFile("chunk", chunk.Filename)
	if err != nil {
		return false, err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return false, err
	}
	if err := mw.Close(); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.route("upload-chunk", dir), &body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	var reply struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return false, err
	}

	return reply.Status == "complete", nil
}

// UploadFile streams one whole file in a single multipart request.
func (c *Client) UploadFile(ctx context.Context, dir, filename string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.route("upload", dir), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusSeeOther {
		return decodeError(resp)
	}

	return nil
}

func (c *Client) List(ctx context.Context, dir string) (*volume.Listing, error) {
	var listing volume.Listing
	if err := c.getJSON(ctx, c.route("list", dir), &listing); err != nil {
		return nil, err
	}

	return &listing, nil
}

// SearchResult mirrors the /search response body.
type SearchResult struct {
	Files   []model.FileInfo `json:"files"`
	Folders []model.FileInfo `json:"folders"`
}

func (c *Client) Search(ctx context.Context, query string, foldersOnly bool) (*SearchResult, error) {
	u := fmt.Sprintf("%s/search?query=%s&folders_only=%t", c.baseURL, url.QueryEscape(query), foldersOnly)

	var result SearchResult
	if err := c.getJSON(ctx, u, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Client) CreateFolder(ctx context.Context, dir, name string) error {
	return c.postForm(ctx, c.route("create-folder", dir), url.Values{"name": {name}})
}

func (c *Client) Rename(ctx context.Context, dir, oldName, newName string) error {
	return c.postForm(ctx, c.route("rename", dir), url.Values{
		"old_name": {oldName},
		"new_name": {newName},
	})
}

func (c *Client) Delete(ctx context.Context, dir, itemName string) error {
	return c.postForm(ctx, c.route("delete", dir), url.Values{"item_name": {itemName}})
}

func (c *Client) Move(ctx context.Context, dir, itemName, destination string) error {
	return c.postForm(ctx, c.route("move", dir), url.Values{
		"item_name":   {itemName},
		"destination": {destination},
	})
}

// CancelUpload tells the server to drop an in-progress chunked upload and
// release its staging space.
func (c *Client) CancelUpload(ctx context.Context, dir, filename string) error {
	return c.postForm(ctx, c.route("cancel-upload", dir), url.Values{"filename": {filename}})
}

func (c *Client) ChangeDirectory(ctx context.Context, newRoot string) error {
	body, err := json.Marshal(map[string]string{"path": newRoot})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/change-directory", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return nil
}

func (c *Client) route(op, dir string) string {
	rel := volume.CleanRel(dir)

	escaped := ""
	if rel != "" {
		parts := strings.Split(rel, "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		escaped = strings.Join(parts, "/")
	}

	return fmt.Sprintf("%s/%s/%s", c.baseURL, op, escaped)
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return nil
}

func decodeError(resp *http.Response) error {
	detail := resp.Status

	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Detail != "" {
		detail = body.Detail
	}

	return &StatusError{Code: resp.StatusCode, Detail: detail}
}
