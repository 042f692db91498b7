// Package client talks to a running clothtagger service.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/krau/clothtagger/service"
)

const DefaultTimeout = 60 * time.Second

type Client struct {
	httpClient *resty.Client
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("classifier returned %d: %s", e.StatusCode, e.Detail)
}

func New(baseURL string) *Client {
	return &Client{
		httpClient: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) Health(ctx context.Context) (*service.HealthResponse, error) {
	var out service.HealthResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&APIError{}).
		Get("/health")
	if err := handleError(res, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classify returns the scores for imageURL, most likely first.
func (c *Client) Classify(ctx context.Context, imageURL string) ([]service.LabelScore, error) {
	var out service.ClassifyResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(service.ClassifyRequest{ImageURL: imageURL, Labels: []string{}}).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/classify")
	if err := handleError(res, err); err != nil {
		return nil, err
	}
	return out.Labels, nil
}

// ClassifyBatch returns one entry per URL, in order. An empty Labels slice
// means that image could not be classified.
func (c *Client) ClassifyBatch(ctx context.Context, imageURLs []string) ([]service.ClassifyResponse, error) {
	body := make([]service.ClassifyRequest, len(imageURLs))
	for i, u := range imageURLs {
		body[i] = service.ClassifyRequest{ImageURL: u, Labels: []string{}}
	}
	var out []service.ClassifyResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/classify/batch")
	if err := handleError(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func handleError(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsError() {
		apiErr, ok := res.Error().(*APIError)
		if !ok || apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.StatusCode = res.StatusCode()
		return apiErr
	}
	return nil
}
