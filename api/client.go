// Package api is the HTTP client for the relay's REST collaborators:
// history pages, mark-viewed, upload targets and file records.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/normalize"
	"github.com/karthikraju391/roomsync/upload"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to one relay.
type Client struct {
	baseURL string
	http    *http.Client
	upload  *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the client used for every call. The default one
// bounds JSON calls by a timeout and leaves uploads to the caller's context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.upload = hc
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.logger = log }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		upload:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "api"))
	return c
}

// History fetches the page of room messages older than cursor. An empty
// cursor means the latest page.
func (c *Client) History(ctx context.Context, roomID, cursor string, limit int) (models.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page models.Page
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return models.Page{}, err
	}
	return page, nil
}

// MarkViewed records that userID has seen roomID up to now.
func (c *Client) MarkViewed(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"userId": userID}
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/viewed", body, nil)
}

// InitUpload reserves an upload target for name.
func (c *Client) InitUpload(ctx context.Context, name string) (upload.Target, error) {
	var target upload.Target
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads", map[string]string{"name": name}, &target); err != nil {
		return upload.Target{}, err
	}
	if target.URL != "" && strings.HasPrefix(target.URL, "/") {
		target.URL = c.baseURL + target.URL
	}
	return target, nil
}

// PutObject streams body to target, calling sent with the running byte count.
func (c *Client) PutObject(ctx context.Context, target upload.Target, body io.Reader, size int64, mimeType string, sent func(int64)) error {
	if sent != nil {
		body = &countingReader{r: body, sent: sent}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	if size > 0 {
		req.ContentLength = size
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	if target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+target.Token)
	}
	resp, err := c.upload.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", target.Name, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.MethodPut, req.URL.Path)
}

// InsertFileRecord persists the message that references an uploaded object.
func (c *Client) InsertFileRecord(ctx context.Context, rec upload.FileRecord) (string, error) {
	var out struct {
		ID json.RawMessage `json:"id"`
	}
	path := "/api/rooms/" + url.PathEscape(rec.RoomID) + "/files"
	if err := c.doJSON(ctx, http.MethodPost, path, rec, &out); err != nil {
		return "", err
	}
	return normalize.ParseID(out.ID), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, method, path); err != nil {
		c.logger.Debug("request rejected", slog.String("method", method), slog.String("path", path), slog.Int("status", resp.StatusCode))
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

type countingReader struct {
	r    io.Reader
	n    int64
	sent func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.sent(c.n)
	}
	return n, err
}
