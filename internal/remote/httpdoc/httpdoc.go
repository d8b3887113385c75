// Package httpdoc talks to a REST document service:
//
//	POST   /{family}       create (409 means it already exists)
//	PUT    /{family}/{id}  replace
//	DELETE /{family}/{id}  remove (404 is fine)
//	GET    /{family}       list as a JSON array of documents
package httpdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	httpClient *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		restyClient.SetAuthToken(cfg.Token)
	}

	return &Client{httpClient: restyClient}
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) Create(ctx context.Context, family store.Family, doc remote.Document) (string, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("family", string(family)).
		SetBody(doc).
		SetError(&apiError{}).
		Post("/{family}")
	if err != nil {
		return "", remote.Network("create", err)
	}
	if resp.StatusCode() == http.StatusConflict {
		// Already created by an earlier attempt whose response was lost.
		return doc.ID, c.Update(ctx, family, doc.ID, doc)
	}
	if err := statusError("create", resp); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (c *Client) Update(ctx context.Context, family store.Family, id string, doc remote.Document) error {
	doc.ID = id
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"family": string(family), "id": id}).
		SetBody(doc).
		SetError(&apiError{}).
		Put("/{family}/{id}")
	if err != nil {
		return remote.Network("update", err)
	}
	return statusError("update", resp)
}

func (c *Client) Delete(ctx context.Context, family store.Family, id string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"family": string(family), "id": id}).
		SetError(&apiError{}).
		Delete("/{family}/{id}")
	if err != nil {
		return remote.Network("delete", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return statusError("delete", resp)
}

func (c *Client) List(ctx context.Context, family store.Family) ([]remote.Document, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("family", string(family)).
		SetError(&apiError{}).
		Get("/{family}")
	if err != nil {
		return nil, remote.Network("list", err)
	}
	if err := statusError("list", resp); err != nil {
		return nil, err
	}

	var docs []remote.Document
	if err := json.Unmarshal(resp.Body(), &docs); err != nil {
		return nil, remote.Rejected("list", fmt.Errorf("decode documents: %w", err))
	}
	return docs, nil
}

// statusError maps 5xx, 408 and 429 to transient failures and any other
// 4xx to a rejection.
func statusError(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code < http.StatusBadRequest {
		return nil
	}

	message := http.StatusText(code)
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil && apiErr.Error != "" {
		message = apiErr.Error
	}
	err := fmt.Errorf("document service error: code=%d, message=%s", code, message)

	if code >= http.StatusInternalServerError || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return remote.Network(op, err)
	}
	return remote.Rejected(op, err)
}
