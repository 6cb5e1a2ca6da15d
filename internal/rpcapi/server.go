package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/juju/loggo"

	"github.com/buckyos/btc-balance-history/internal/indexer"
	"github.com/buckyos/btc-balance-history/internal/store"
	"github.com/buckyos/btc-balance-history/internal/types"
)

var log = loggo.GetLogger("rpcapi")

// Server answers the downstream query surface over newline-delimited JSON
// frames on a TCP listener, dispatching each frame on its command name.
type Server struct {
	listenAddr string
	network    string
	store      *store.Store
	indexer    *indexer.Indexer
	cancel     context.CancelFunc
}

// NewServer builds a Server bound to the given store and indexer.
func NewServer(listenAddr, network string, st *store.Store, ix *indexer.Indexer) *Server {
	return &Server{listenAddr: listenAddr, network: network, store: st, indexer: ix}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("rpcapi: listen on %s: %w", s.listenAddr, err)
	}
	log.Infof("rpcapi: listening on %s", s.listenAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpcapi: accept: %w", err)
			}
		}
		go s.serveConn(ctx, NewConn(nc))
	}
}

// Stop cancels the server's serving context, if running.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cmd, id, payload, err := c.ReadFrame()
		if err != nil {
			return
		}
		respCmd, resp, err := s.dispatch(cmd, payload)
		if err != nil {
			log.Warningf("rpcapi: handling %s: %v", cmd, err)
		}
		if writeErr := c.WriteFrame(respCmd, id, resp); writeErr != nil {
			log.Warningf("rpcapi: writing response for %s: %v", cmd, writeErr)
			return
		}
		if cmd == CmdStopRequest {
			s.Stop()
			return
		}
	}
}

func (s *Server) dispatch(cmd Command, payload json.RawMessage) (Command, any, error) {
	switch cmd {
	case CmdGetNetworkTypeRequest:
		return CmdGetNetworkTypeResponse, s.handleGetNetworkType(), nil
	case CmdGetBlockHeightRequest:
		resp := s.handleGetBlockHeight()
		return CmdGetBlockHeightResponse, resp, resp.Error.asError()
	case CmdGetSyncStatusRequest:
		resp := s.handleGetSyncStatus()
		return CmdGetSyncStatusResponse, resp, resp.Error.asError()
	case CmdGetAddressBalanceRequest:
		var req GetAddressBalanceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return CmdGetAddressBalanceResponse, GetAddressBalanceResponse{Error: NewError(err)}, err
		}
		resp := s.handleGetAddressBalance(req)
		return CmdGetAddressBalanceResponse, resp, resp.Error.asError()
	case CmdGetAddressesBalancesRequest:
		var req GetAddressesBalancesRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return CmdGetAddressesBalancesResponse, GetAddressesBalancesResponse{Error: NewError(err)}, err
		}
		resp := s.handleGetAddressesBalances(req)
		return CmdGetAddressesBalancesResponse, resp, resp.Error.asError()
	case CmdStopRequest:
		return CmdStopResponse, StopResponse{}, nil
	default:
		err := fmt.Errorf("rpcapi: unknown command %q", cmd)
		return CmdGetNetworkTypeResponse, GetNetworkTypeResponse{Error: NewError(err)}, err
	}
}

func (s *Server) handleGetNetworkType() GetNetworkTypeResponse {
	return GetNetworkTypeResponse{Network: s.network}
}

// handleGetBlockHeight reports the watermark read from the store: the
// height of the last block whose batch has been committed.
func (s *Server) handleGetBlockHeight() GetBlockHeightResponse {
	height, err := s.store.Watermark()
	if err != nil {
		return GetBlockHeightResponse{Error: NewError(err)}
	}
	return GetBlockHeightResponse{Height: height}
}

func (s *Server) handleGetSyncStatus() GetSyncStatusResponse {
	height, err := s.store.Watermark()
	if err != nil {
		return GetSyncStatusResponse{Error: NewError(err)}
	}
	return GetSyncStatusResponse{
		Phase:   s.indexer.State().String(),
		Current: height,
		Total:   s.indexer.Tip(),
	}
}

func (s *Server) handleGetAddressBalance(req GetAddressBalanceRequest) GetAddressBalanceResponse {
	sh, err := parseScriptHash(req.ScriptHash)
	if err != nil {
		return GetAddressBalanceResponse{Error: NewError(err)}
	}
	entries, err := s.resolveBalance(sh, req.BlockHeight, req.BlockRange)
	if err != nil {
		return GetAddressBalanceResponse{Error: NewError(err)}
	}
	return GetAddressBalanceResponse{Entries: entries}
}

func (s *Server) handleGetAddressesBalances(req GetAddressesBalancesRequest) GetAddressesBalancesResponse {
	results := make([]GetAddressBalanceResponse, len(req.ScriptHashes))
	for i, raw := range req.ScriptHashes {
		sh, err := parseScriptHash(raw)
		if err != nil {
			results[i] = GetAddressBalanceResponse{Error: NewError(err)}
			continue
		}
		entries, err := s.resolveBalance(sh, req.BlockHeight, req.BlockRange)
		if err != nil {
			results[i] = GetAddressBalanceResponse{Error: NewError(err)}
			continue
		}
		results[i] = GetAddressBalanceResponse{Entries: entries}
	}
	return GetAddressesBalancesResponse{Results: results}
}

// resolveBalance enforces that exactly one of blockHeight/blockRange is set,
// then answers a point or range query against the store.
func (s *Server) resolveBalance(sh types.ScriptHash, blockHeight *uint32, blockRange *HeightRange) ([]BalanceHeightEntry, error) {
	if (blockHeight == nil) == (blockRange == nil) {
		return nil, fmt.Errorf("rpcapi: exactly one of block_height, block_range is required")
	}

	if blockHeight != nil {
		e, err := s.store.GetBalanceAt(sh, *blockHeight)
		if err != nil {
			return nil, err
		}
		return []BalanceHeightEntry{{Height: e.Height, Balance: e.Balance, Delta: e.Delta}}, nil
	}

	rows, err := s.store.GetBalanceInRange(sh, blockRange.Begin, blockRange.End)
	if err != nil {
		return nil, err
	}
	entries := make([]BalanceHeightEntry, len(rows))
	for i, r := range rows {
		entries[i] = BalanceHeightEntry{Height: r.Height, Balance: r.Balance, Delta: r.Delta}
	}
	return entries, nil
}
