package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// apiClient is the CLI side of the node API.
type apiClient struct {
	http *resty.Client
}

type apiErrorBody struct {
	Error string `json:"error"`
}

func newAPIClient(addr, token string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(15 * time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &apiClient{http: client}
}

func (c *apiClient) do(req *resty.Request, method, path string) error {
	resp, err := req.SetError(&apiErrorBody{}).Execute(method, path)
	if err != nil {
		return fmt.Errorf("node API unreachable: %w", err)
	}
	if resp.IsError() {
		if body, ok := resp.Error().(*apiErrorBody); ok && body.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, body.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(c.http.R().SetResult(out), resty.MethodGet, path)
}

type accountInfo struct {
	Address      string `json:"address"`
	Exists       bool   `json:"exists"`
	Balance      uint64 `json:"balance"`
	Nonce        uint64 `json:"nonce"`
	PendingNonce uint64 `json:"pending_nonce"`
	Validator    bool   `json:"validator"`
}

func (c *apiClient) Account(addr string) (*accountInfo, error) {
	var acc accountInfo
	if err := c.get("/api/account/"+addr, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *apiClient) Status() (*DaemonStats, error) {
	var stats DaemonStats
	if err := c.get("/api/status", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *apiClient) Validators() (*validatorsResponse, error) {
	var resp validatorsResponse
	if err := c.get("/api/validators", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitTx posts a signed transaction and returns the hash the node reports.
func (c *apiClient) SubmitTx(stx *SignedTransaction) (string, error) {
	data, err := EncodeTx(stx)
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	req := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(data).
		SetResult(&out)
	if err := c.do(req, resty.MethodPost, "/api/tx"); err != nil {
		return "", err
	}
	return out.Hash, nil
}
