// Package client implements the small slice of the discord REST API the
// gateway manager depends on, most importantly /gateway/bot.
package client

import (
	"bytes"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/TheRockettek/Magpie/events"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// APIVersion we will use from discord
const APIVersion = "6"

const (
	// EndpointDiscord denotes the base URL for all api requests
	EndpointDiscord = "https://discord.com/"

	// EndpointAPI is the url subset for getting the actual API base url
	EndpointAPI = EndpointDiscord + "api/v" + APIVersion
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidToken is passed when the token used to authenticate is not valid.
var ErrInvalidToken = errors.New("invalid token passed")

// Client is a minimal REST client with bot authorization.
type Client struct {
	Token     string
	HTTP      *http.Client
	UserAgent string
	APIURL    string
}

// NewClient creates a REST client for the given token.
func NewClient(token string, userAgent string) *Client {
	return &Client{
		Token:     token,
		HTTP:      &http.Client{Timeout: 20 * time.Second},
		UserAgent: userAgent,
		APIURL:    EndpointAPI,
	}
}

// FetchJSON performs a request against the API and unmarshals the response
// into out. Requests that receive a 429 sleep for the advertised retry_after
// then try again.
func (c *Client) FetchJSON(method string, path string, body io.Reader, out interface{}) (err error) {
	var payload []byte
	if body != nil {
		// Buffer the body so rate limited requests can be replayed.
		if payload, err = ioutil.ReadAll(body); err != nil {
			return errors.Wrap(err, "failed to read request body")
		}
	}

	for {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequest(method, c.APIURL+path, reader)
		if err != nil {
			return errors.Wrap(err, "failed to create request")
		}

		req.Header.Set("authorization", "Bot "+c.Token)
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return errors.Wrap(err, "failed to execute request")
		}

		response, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(err, "failed to read response body")
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			rl := events.TooManyRequests{}
			if err = json.Unmarshal(response, &rl); err != nil {
				return errors.Wrap(err, "failed to unmarshal rate limit body")
			}

			time.Sleep(rl.RetryAfter * time.Millisecond)
			continue
		case http.StatusUnauthorized:
			return ErrInvalidToken
		}

		if out != nil {
			if err = json.Unmarshal(response, out); err != nil {
				return errors.Wrap(err, "failed to unmarshal response body")
			}
		}

		return nil
	}
}

// GatewayBot returns the gateway url, recommended shard count and the
// session start limit for the current token.
func (c *Client) GatewayBot() (st *events.GatewayBot, err error) {
	err = c.FetchJSON("GET", "/gateway/bot", nil, &st)
	return
}
