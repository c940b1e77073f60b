package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// APIError is a non-zero code answer, either for the whole call or for one
// item of a batch.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx code %s: %s", e.Code, e.Message)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// client signs v5 REST calls.
type client struct {
	http       *resty.Client
	key        string
	secret     string
	passphrase string
	simulated  bool
	now        func() time.Time
}

func newClient(baseURL, key, secret, passphrase string, simulated bool, timeout time.Duration) *client {
	r := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &client{http: r, key: key, secret: secret, passphrase: passphrase, simulated: simulated, now: time.Now}
}

// signREST is base64(HMAC-SHA256(secret, ts+method+path+body)).
func signREST(secret, ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + strings.ToUpper(method) + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// call sends one request and decodes the data array into out. private adds
// the signature headers.
func (c *client) call(ctx context.Context, method, path string, query url.Values, body interface{}, private bool, out interface{}) (http.Header, error) {
	req := c.http.R().SetContext(ctx)
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
		req.SetQueryString(query.Encode())
	}
	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("okx %s body: %w", path, err)
		}
		payload = string(raw)
		req.SetBody(raw)
	}
	if private {
		ts := c.now().UTC().Format(timestampLayout)
		req.SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        c.key,
			"OK-ACCESS-SIGN":       signREST(c.secret, ts, method, requestPath, payload),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": c.passphrase,
		})
	}
	if c.simulated {
		req.SetHeader("x-simulated-trading", "1")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("okx %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return resp.Header(), fmt.Errorf("okx %s: http %d: %w", path, resp.StatusCode(), err)
	}
	if env.Code != "0" {
		return resp.Header(), &APIError{Code: env.Code, Message: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.Header(), fmt.Errorf("okx %s decode: %w", path, err)
		}
	}
	return resp.Header(), nil
}
