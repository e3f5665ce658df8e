package story

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode 同时扮演链节点与 relayer：记录转发参数，所有交易立即确认。
type fakeNode struct {
	mu         sync.Mutex
	relayCalls map[string][]map[string]any
}

func newFakeNode() *fakeNode {
	return &fakeNode{relayCalls: make(map[string][]map[string]any)}
}

func (n *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解码 JSON-RPC 请求失败: %v", err)
			return
		}

		var result any
		switch req.Method {
		case "eth_getTransactionReceipt":
			result = map[string]any{
				"transactionHash":   "0x" + strings.Repeat("11", 32),
				"cumulativeGasUsed": "0x1",
				"gasUsed":           "0x1",
				"logsBloom":         "0x" + strings.Repeat("00", 256),
				"logs":              []any{},
				"status":            "0x1",
				"blockHash":         "0x" + strings.Repeat("22", 32),
				"blockNumber":       "0x1",
				"transactionIndex":  "0x0",
			}
		default:
			params := map[string]any{}
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params[0], &params); err != nil {
					t.Errorf("解码转发参数失败: %v", err)
				}
			}
			n.mu.Lock()
			n.relayCalls[req.Method] = append(n.relayCalls[req.Method], params)
			n.mu.Unlock()
			result = map[string]any{
				"asset_id": "0x" + strings.Repeat("33", 20),
				"tx_hash":  "0x" + strings.Repeat("11", 32),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}
}

func (n *fakeNode) lastCall(method string) (map[string]any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	calls := n.relayCalls[method]
	if len(calls) == 0 {
		return nil, false
	}
	return calls[len(calls)-1], true
}

func newTestClient(t *testing.T, node *fakeNode, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)

	cfg.RPCURL = srv.URL
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Second
	}
	if cfg.ReceiptInterval == 0 {
		cfg.ReceiptInterval = time.Millisecond
	}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("构造客户端失败: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegisterAssetUsesConfiguredSPGContract(t *testing.T) {
	custom := "0x00000000000000000000000000000000000000ab"
	node := newFakeNode()
	client := newTestClient(t, node, Config{SPGNFTContract: custom})

	reg, err := client.RegisterAsset(context.Background(), "ipfs://meta-1")
	if err != nil {
		t.Fatalf("注册资产失败: %v", err)
	}
	if reg.AssetID == "" || reg.TxRef == "" {
		t.Fatalf("注册结果不完整: %+v", reg)
	}

	params, ok := node.lastCall("story_registerAsset")
	if !ok {
		t.Fatal("relayer 未收到注册请求")
	}
	if got := params["spg_nft_contract"]; got != common.HexToAddress(custom).Hex() {
		t.Fatalf("期望转发配置的 SPG 合约 %s，实际 %v", common.HexToAddress(custom).Hex(), got)
	}
}

func TestRegisterAssetFallsBackToDefaultSPGContract(t *testing.T) {
	node := newFakeNode()
	client := newTestClient(t, node, Config{})

	if _, err := client.RegisterAsset(context.Background(), "ipfs://meta-1"); err != nil {
		t.Fatalf("注册资产失败: %v", err)
	}

	params, ok := node.lastCall("story_registerAsset")
	if !ok {
		t.Fatal("relayer 未收到注册请求")
	}
	if got := params["spg_nft_contract"]; got != common.HexToAddress(DefaultSPGNFTContract).Hex() {
		t.Fatalf("未配置时应回落到默认 SPG 合约，实际 %v", got)
	}
}
