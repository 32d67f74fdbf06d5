package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-utils/jsonrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrSimulationFailed = errors.New("simulation failed")

type callArgs struct {
	From ethcommon.Address `json:"from"`
	To   ethcommon.Address `json:"to"`
	Gas  hexutil.Uint64    `json:"gas"`
	Data hexutil.Bytes     `json:"data"`
}

// Simulator dry-runs relay calls against a node with eth_call before they are
// broadcast
type Simulator struct {
	url string
	hub ethcommon.Address
}

func NewSimulator(url string, hub ethcommon.Address) *Simulator {
	return &Simulator{url: url, hub: hub}
}

// SimulateRelayCall returns ErrSimulationFailed with the node's message if
// the hub would revert
func (s *Simulator) SimulateRelayCall(ctx context.Context, worker ethcommon.Address, data []byte, gas uint64) error {
	req := jsonrpc.NewJSONRPCRequest("1", "eth_call", callArgs{From: worker, To: s.hub, Gas: hexutil.Uint64(gas), Data: data})
	req.Params = append(req.Params, "latest")

	resp, err := postJSONRPC(ctx, s.url, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	} else if resp.Error != nil {
		return fmt.Errorf("%w: %s", ErrSimulationFailed, resp.Error.Message)
	}
	return nil
}

// postJSONRPC posts req to url through the otel transport. Non-200 replies
// are errors; JSON-RPC errors are left in the response.
func postJSONRPC(ctx context.Context, url string, req *jsonrpc.JSONRPCRequest) (*jsonrpc.JSONRPCResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", req.Method, err)
	}

	httpResp, err := otelhttp.Post(ctx, url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: node returned status %d", req.Method, httpResp.StatusCode)
	}

	var rpcResp jsonrpc.JSONRPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("could not decode %s response: %w", req.Method, err)
	}
	return &rpcResp, nil
}
