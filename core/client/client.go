// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests, and doubles as a regular HTTP client
when created with a base URL instead of a router.
*/
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	apiKey     string

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a running backend
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client that sends the token as authorization
// bearer with every request
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAPIKey returns a new client that sends the key in the apikey header
// with every request
func (c Client) WithAPIKey(key string) Client {
	c.apiKey = key
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be map[string]interface{} or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodGet, path, nil, nil, result, http.StatusOK)
	return status, err
}

// RawGetWithHeader gets the resource from path with extra request headers.
// Returns the actual http status code and the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.do(http.MethodGet, path, header, nil, result, http.StatusOK)
}

// RawPost posts body to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte. result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPost, path, nil, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawPostWithHeader posts body to path with extra request headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPost, path, header, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawPatch patches the resource at path. Expects http.StatusOK,
// http.StatusCreated or http.StatusNoContent as valid responses, otherwise
// it will flag an error. Returns the actual http status code.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPatch, path, nil, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawPatchWithHeader patches the resource at path with extra request headers
func (c Client) RawPatchWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPatch, path, header, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawDelete deletes the resource at path. Expects http.StatusOK or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) RawDelete(path string, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodDelete, path, nil, nil, result,
		http.StatusOK, http.StatusNoContent)
	return status, err
}

// RawDeleteWithHeader deletes the resource at path with extra request headers
func (c Client) RawDeleteWithHeader(path string, header map[string]string, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodDelete, path, header, nil, result,
		http.StatusOK, http.StatusNoContent)
	return status, err
}

func (c Client) do(method, path string, header map[string]string, body interface{},
	result interface{}, expected ...int) (int, http.Header, error) {

	var reader io.Reader
	if body != nil {
		bodyData, ok := body.([]byte)
		if !ok {
			var err error
			bodyData, err = json.Marshal(body)
			if err != nil {
				return http.StatusInternalServerError, nil, err
			}
		}
		reader = bytes.NewReader(bodyData)
	}

	r, _ := http.NewRequest(method, c.url+path, reader)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		r.Header.Set("apikey", c.apiKey)
	}

	var err error
	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	valid := false
	for _, code := range expected {
		if status == code {
			valid = true
			break
		}
	}
	if !valid {
		return status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expected, strings.TrimSpace(string(resBody)))
	}
	if status == http.StatusNoContent {
		return status, res.Header, nil
	}

	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, res.Header, err
}
