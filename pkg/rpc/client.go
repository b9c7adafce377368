package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// DefaultTimeout bounds a single RPC call when the caller does not choose one.
const DefaultTimeout = 120 * time.Second

// StatusError is returned for non-2xx responses. A 404 unwraps to ErrNotFound.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to a node's RPC server. Every call is bounded by the client
// timeout in addition to the caller's context.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rpc %s %s: encode request: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("rpc %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload errorPayload
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Info(ctx context.Context) (InfoResponse, error) {
	var out InfoResponse
	err := c.do(ctx, http.MethodGet, "/info", nil, &out)
	return out, err
}

func (c *Client) Tip(ctx context.Context) (uint64, types.Hash, error) {
	var out TipResponse
	if err := c.do(ctx, http.MethodGet, "/tip", nil, &out); err != nil {
		return 0, types.Hash{}, err
	}
	hash, err := types.ParseHash(out.Hash)
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("rpc tip: %w", err)
	}
	return out.Height, hash, nil
}

func (c *Client) Block(ctx context.Context, height uint64) (BlockResponse, error) {
	var out BlockResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/block/%d", height), nil, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context, addr types.Address) (BalanceResponse, error) {
	var out BalanceResponse
	err := c.do(ctx, http.MethodGet, "/balance/"+addr.String(), nil, &out)
	return out, err
}

func (c *Client) Accounts(ctx context.Context) ([]BalanceResponse, error) {
	var out AccountsResponse
	err := c.do(ctx, http.MethodGet, "/accounts", nil, &out)
	return out.Accounts, err
}

func (c *Client) Generate(ctx context.Context, count int) ([]types.Hash, error) {
	var out GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/generate", GenerateRequest{Count: count}, &out); err != nil {
		return nil, err
	}
	return parseHashes(out.Hashes)
}

func (c *Client) NewAddress(ctx context.Context) (types.Address, error) {
	var out AddressResponse
	if err := c.do(ctx, http.MethodGet, "/newaddress", nil, &out); err != nil {
		return types.Address{}, err
	}
	return types.ParseAddress(out.Address)
}

func (c *Client) Send(ctx context.Context, to types.Address, amount uint64) (types.Hash, error) {
	var out TxIDResponse
	if err := c.do(ctx, http.MethodPost, "/send", SendRequest{To: to.String(), Amount: amount}, &out); err != nil {
		return types.Hash{}, err
	}
	return types.ParseHash(out.TxID)
}

func (c *Client) RawTransaction(ctx context.Context, txid types.Hash) ([]byte, error) {
	var out RawTxResponse
	if err := c.do(ctx, http.MethodGet, "/rawtx/"+txid.String(), nil, &out); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(out.Hex)
	if err != nil {
		return nil, fmt.Errorf("rpc rawtx: %w", err)
	}
	return raw, nil
}

func (c *Client) SubmitRawTransaction(ctx context.Context, raw []byte) (types.Hash, error) {
	var out TxIDResponse
	if err := c.do(ctx, http.MethodPost, "/rawtx", RawTxRequest{Hex: hex.EncodeToString(raw)}, &out); err != nil {
		return types.Hash{}, err
	}
	return types.ParseHash(out.TxID)
}

func (c *Client) Mempool(ctx context.Context) ([]types.Hash, error) {
	var out MempoolResponse
	if err := c.do(ctx, http.MethodGet, "/mempool", nil, &out); err != nil {
		return nil, err
	}
	return parseHashes(out.TxIDs)
}

func (c *Client) Peers(ctx context.Context) ([]p2p.PeerInfo, error) {
	var out PeersResponse
	err := c.do(ctx, http.MethodGet, "/peers", nil, &out)
	return out.Peers, err
}

func (c *Client) AddNode(ctx context.Context, addr string) (p2p.PeerInfo, error) {
	var out PeerResponse
	err := c.do(ctx, http.MethodPost, "/addnode", AddNodeRequest{Address: addr}, &out)
	return out.Peer, err
}

// AddConnection asks the node to dial addr with the given connection type.
func (c *Client) AddConnection(ctx context.Context, addr string, connType p2p.ConnectionType) (p2p.PeerInfo, error) {
	var out PeerResponse
	req := AddConnectionRequest{Address: addr, ConnectionType: string(connType)}
	err := c.do(ctx, http.MethodPost, "/addconnection", req, &out)
	return out.Peer, err
}

func parseHashes(in []string) ([]types.Hash, error) {
	out := make([]types.Hash, len(in))
	for i, s := range in {
		h, err := types.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
