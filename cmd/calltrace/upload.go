package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/pierrec/lz4/v4"

	"github.com/getsentry/calltrace/internal/export"
)

type uploader struct {
	http *httpclient.Client
	url  string
}

func newUploader(baseURL string, projectID uint64, timeout time.Duration, retries int) uploader {
	return uploader{
		url: fmt.Sprintf("%s/projects/%d/graphs", baseURL, projectID),
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(timeout),
			httpclient.WithRetryCount(retries),
		),
	}
}

// upload posts the lz4 compressed document and returns the session id the
// service stored it under.
func (u uploader) upload(doc export.Document) (string, error) {
	b, err := export.Marshal(doc)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	if _, err := zw.Write(b); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	headers := make(http.Header)
	headers.Set("content-type", "application/json")
	headers.Set("content-encoding", "lz4")
	resp, err := u.http.Post(u.url, bytes.NewReader(body.Bytes()), headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("error while uploading the call graph. http status: %d, message: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var response struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	return response.SessionID, nil
}
