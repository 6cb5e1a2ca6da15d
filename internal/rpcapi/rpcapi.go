package rpcapi

import (
	"fmt"
	"reflect"

	"github.com/buckyos/btc-balance-history/internal/types"
)

const (
	APIVersion = 1

	CmdGetNetworkTypeRequest  = "balanceapi-get-network-type-request"
	CmdGetNetworkTypeResponse = "balanceapi-get-network-type-response"

	CmdGetBlockHeightRequest  = "balanceapi-get-block-height-request"
	CmdGetBlockHeightResponse = "balanceapi-get-block-height-response"

	CmdGetSyncStatusRequest  = "balanceapi-get-sync-status-request"
	CmdGetSyncStatusResponse = "balanceapi-get-sync-status-response"

	CmdGetAddressBalanceRequest  = "balanceapi-get-address-balance-request"
	CmdGetAddressBalanceResponse = "balanceapi-get-address-balance-response"

	CmdGetAddressesBalancesRequest  = "balanceapi-get-addresses-balances-request"
	CmdGetAddressesBalancesResponse = "balanceapi-get-addresses-balances-response"

	CmdStopRequest  = "balanceapi-stop-request"
	CmdStopResponse = "balanceapi-stop-response"
)

// DefaultListen is the default listen address for the query server.
var DefaultListen = "localhost:8083"

// GetNetworkTypeRequest has no parameters.
type GetNetworkTypeRequest struct{}

// GetNetworkTypeResponse carries the configured chain name.
type GetNetworkTypeResponse struct {
	Network string `json:"network"`
	Error   *Error `json:"error,omitempty"`
}

// GetBlockHeightRequest has no parameters.
type GetBlockHeightRequest struct{}

// GetBlockHeightResponse carries the current watermark.
type GetBlockHeightResponse struct {
	Height uint32 `json:"height"`
	Error  *Error `json:"error,omitempty"`
}

// GetSyncStatusRequest has no parameters.
type GetSyncStatusRequest struct{}

// GetSyncStatusResponse reports the indexer's coarse lifecycle phase and
// progress.
type GetSyncStatusResponse struct {
	Phase   string `json:"phase"`
	Current uint32 `json:"current"`
	Total   uint32 `json:"total"`
	Message string `json:"message,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// BalanceHeightEntry is one (height, balance, delta) row.
type BalanceHeightEntry struct {
	Height  uint32 `json:"height"`
	Balance uint64 `json:"balance"`
	Delta   int64  `json:"delta"`
}

// GetAddressBalanceRequest queries a single script hash. Exactly one of
// BlockHeight or BlockRange must be set.
type GetAddressBalanceRequest struct {
	ScriptHash  string      `json:"script_hash"`
	BlockHeight *uint32     `json:"block_height,omitempty"`
	BlockRange  *HeightRange `json:"block_range,omitempty"`
}

// HeightRange is a half-open [Begin, End) height range.
type HeightRange struct {
	Begin uint32 `json:"begin"`
	End   uint32 `json:"end"`
}

// GetAddressBalanceResponse carries one entry for a point query, or a
// sequence of entries for a range query.
type GetAddressBalanceResponse struct {
	Entries []BalanceHeightEntry `json:"entries"`
	Error   *Error               `json:"error,omitempty"`
}

// GetAddressesBalancesRequest batches GetAddressBalanceRequest over many
// script hashes, all sharing the same height selector.
type GetAddressesBalancesRequest struct {
	ScriptHashes []string     `json:"script_hashes"`
	BlockHeight  *uint32      `json:"block_height,omitempty"`
	BlockRange   *HeightRange `json:"block_range,omitempty"`
}

// GetAddressesBalancesResponse returns parallel arrays: Results[i]
// corresponds to ScriptHashes[i] in the request.
type GetAddressesBalancesResponse struct {
	Results []GetAddressBalanceResponse `json:"results"`
	Error   *Error                      `json:"error,omitempty"`
}

// StopRequest has no parameters.
type StopRequest struct{}

// StopResponse acknowledges a graceful shutdown request.
type StopResponse struct {
	Error *Error `json:"error,omitempty"`
}

var commands = map[Command]reflect.Type{
	CmdGetNetworkTypeRequest:        reflect.TypeOf(GetNetworkTypeRequest{}),
	CmdGetNetworkTypeResponse:       reflect.TypeOf(GetNetworkTypeResponse{}),
	CmdGetBlockHeightRequest:        reflect.TypeOf(GetBlockHeightRequest{}),
	CmdGetBlockHeightResponse:       reflect.TypeOf(GetBlockHeightResponse{}),
	CmdGetSyncStatusRequest:         reflect.TypeOf(GetSyncStatusRequest{}),
	CmdGetSyncStatusResponse:        reflect.TypeOf(GetSyncStatusResponse{}),
	CmdGetAddressBalanceRequest:     reflect.TypeOf(GetAddressBalanceRequest{}),
	CmdGetAddressBalanceResponse:    reflect.TypeOf(GetAddressBalanceResponse{}),
	CmdGetAddressesBalancesRequest:  reflect.TypeOf(GetAddressesBalancesRequest{}),
	CmdGetAddressesBalancesResponse: reflect.TypeOf(GetAddressesBalancesResponse{}),
	CmdStopRequest:                  reflect.TypeOf(StopRequest{}),
	CmdStopResponse:                 reflect.TypeOf(StopResponse{}),
}

// APICommands returns a copy of the command registry.
func APICommands() map[Command]reflect.Type {
	out := make(map[Command]reflect.Type, len(commands))
	for k, v := range commands {
		out[k] = v
	}
	return out
}

func parseScriptHash(s string) (types.ScriptHash, error) {
	var sh types.ScriptHash
	if len(s) != types.ScriptHashLen*2 {
		return sh, fmt.Errorf("rpcapi: bad script_hash length %d", len(s))
	}
	for i := range sh {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return sh, fmt.Errorf("rpcapi: bad script_hash hex: %w", err)
		}
		sh[i] = b
	}
	return sh, nil
}
