// Package evm is the JSON-RPC platform for Ethereum-compatible chains. It
// polls eth_blockNumber and eth_gasPrice on every run and eth_getBalance for
// each configured address, mapping results onto the evm.* fact namespace.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/resilience"
	"github.com/marcus-qen/watchtower/internal/store"
)

const (
	platformID = "evm"
	version    = "1.0.0"

	typeChain = "chain"
)

var weiPerGwei = big.NewFloat(1e9)

// Platform shares one guarded client per RPC URL across all of its probes.
type Platform struct {
	upstreams *resilience.UpstreamSet
	logger    *zap.Logger

	// defaultRPCURL applies when a probe config omits rpcUrl.
	defaultRPCURL string
}

// New creates the platform.
func New(clk clock.Clock, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{
		upstreams: resilience.NewUpstreamSet(resilience.DefaultUpstreamConfig(), clk, logger.Named("evm")),
		logger:    logger.Named("evm"),
	}
}

// Describe implements platform.Platform.
func (p *Platform) Describe() platform.Descriptor {
	return platform.Descriptor{
		ID:          platformID,
		DisplayName: "EVM JSON-RPC",
		Version:     version,
		ProbeTypes:  []string{typeChain},
	}
}

// Initialize accepts an optional platform-wide rpcUrl default.
func (p *Platform) Initialize(_ context.Context, config map[string]any) error {
	if v, ok := config["rpcUrl"].(string); ok {
		p.defaultRPCURL = v
	}
	return nil
}

// CreateProbe builds a chain probe from its descriptor config.
func (p *Platform) CreateProbe(typ string, desc probe.Descriptor) (probe.Probe, error) {
	if typ != typeChain {
		return nil, fmt.Errorf("evm: unsupported probe type %q", typ)
	}

	rpcURL := p.defaultRPCURL
	if v, ok := desc.Config["rpcUrl"].(string); ok && v != "" {
		rpcURL = v
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("evm probe %q: rpcUrl is required", desc.ID)
	}

	balances, err := parseBalances(desc.Config["balances"])
	if err != nil {
		return nil, fmt.Errorf("evm probe %q: %w", desc.ID, err)
	}

	return &chainProbe{
		id:       desc.ID,
		upstream: p.upstreams.For(rpcURL),
		rpcURL:   rpcURL,
		balances: balances,
		logger:   p.logger.With(zap.String("probe_id", desc.ID)),
	}, nil
}

// Destroy has nothing to tear down; clients are plain HTTP.
func (p *Platform) Destroy(context.Context) error { return nil }

// HealthCheck reports healthy while no breaker is open.
func (p *Platform) HealthCheck(context.Context) bool {
	for _, m := range p.upstreams.Health() {
		if m.State == resilience.StateOpen {
			return false
		}
	}
	return true
}

// Health exposes per-URL breaker snapshots for diagnostics.
func (p *Platform) Health() map[string]resilience.BreakerMetrics {
	return p.upstreams.Health()
}

// balanceTarget is one labelled address to query.
type balanceTarget struct {
	Label   string
	Address string
}

func parseBalances(raw any) ([]balanceTarget, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("balances must be a list")
	}
	out := make([]balanceTarget, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("balances[%d]: expected a mapping", i)
		}
		label, _ := m["label"].(string)
		address, _ := m["address"].(string)
		if label == "" || address == "" {
			return nil, fmt.Errorf("balances[%d]: label and address are required", i)
		}
		out = append(out, balanceTarget{Label: label, Address: address})
	}
	return out, nil
}

type chainProbe struct {
	id       string
	upstream *resilience.Upstream
	rpcURL   string
	balances []balanceTarget
	logger   *zap.Logger
}

func (c *chainProbe) ID() string { return c.id }

// Collect polls block height, gas price, and configured balances. Individual
// call failures become soft facts; only an open breaker (no request possible)
// surfaces as a run error.
func (c *chainProbe) Collect(ctx context.Context, _ *store.ProbeState) (facts.Facts, error) {
	out := facts.Facts{}

	block, err := c.callUint64(ctx, "eth_blockNumber", nil)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		return c.soft(out, err), nil
	}
	out["evm.block"] = facts.Int(int64(block))

	gasWei, err := c.callBig(ctx, "eth_gasPrice", nil)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		return c.soft(out, err), nil
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(gasWei), weiPerGwei).Float64()
	out["evm.gasPriceGwei"] = facts.Float(gwei)

	for _, b := range c.balances {
		wei, err := c.callBig(ctx, "eth_getBalance", []any{b.Address, "latest"})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, err
			}
			return c.soft(out, err), nil
		}
		out["evm.balance."+b.Label] = facts.BigInt(wei)
	}

	out["evm.status"] = facts.String("ok")
	return out, nil
}

// soft records the failure as facts so rules can observe partial outages.
func (c *chainProbe) soft(out facts.Facts, err error) facts.Facts {
	c.logger.Warn("rpc call failed", zap.Error(err))
	out["evm.status"] = facts.String("error")
	out["evm.error"] = facts.String(err.Error())
	return out
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *chainProbe) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result json.RawMessage
	err = c.upstream.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.upstream.Client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(raw))
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		result = rpcResp.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *chainProbe) callHex(ctx context.Context, method string, params []any) (string, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("%s: unexpected result %s", method, string(raw))
	}
	return hex, nil
}

func (c *chainProbe) callUint64(ctx context.Context, method string, params []any) (uint64, error) {
	hex, err := c.callHex(ctx, method, params)
	if err != nil {
		return 0, err
	}
	v, ok := new(big.Int).SetString(trimHexPrefix(hex), 16)
	if !ok {
		return 0, fmt.Errorf("%s: malformed quantity %q", method, hex)
	}
	return v.Uint64(), nil
}

func (c *chainProbe) callBig(ctx context.Context, method string, params []any) (*big.Int, error) {
	hex, err := c.callHex(ctx, method, params)
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(trimHexPrefix(hex), 16)
	if !ok {
		return nil, fmt.Errorf("%s: malformed quantity %q", method, hex)
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
