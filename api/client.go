package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/S-Moer/DeepCTR/envconfig"
)

// Client encapsulates client state for interacting with the prediction
// server.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	if err := json.Unmarshal(body, &apiError); err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable PLE_HOST.
func ClientFromEnvironment() (*Client, error) {
	hp, err := envconfig.Host()
	if err != nil {
		return nil, err
	}

	return NewClient(&url.URL{Scheme: "http", Host: hp.String()}, http.DefaultClient), nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Predict evaluates the served model on a batch of raw features.
func (c *Client) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	var resp PredictResponse
	if err := c.do(ctx, http.MethodPost, "/api/predict", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Show describes the structure of the served model.
func (c *Client) Show(ctx context.Context) (*ShowResponse, error) {
	var resp ShowResponse
	if err := c.do(ctx, http.MethodPost, "/api/show", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}
	return version.Version, nil
}
