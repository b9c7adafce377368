package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/chain"
	"github.com/0xphantomotr/relayprobe/pkg/mempool"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/state"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// ErrNotFound is wrapped by Controller errors for unknown objects; the server
// maps it to 404 and the client maps 404 back to it.
var ErrNotFound = errors.New("rpc: not found")

// Controller is the node-side surface the RPC server drives.
type Controller interface {
	Name() string
	P2PAddr() string
	Coinbase() types.Address
	Generate(count int) ([]types.Hash, error)
	NewAddress() types.Address
	Send(to types.Address, amount uint64) (types.Hash, error)
	RawTransaction(txid types.Hash) ([]byte, error)
	SubmitRawTransaction(raw []byte) (types.Hash, error)
	MempoolHashes() []types.Hash
	Peers() []p2p.PeerInfo
	AddNode(ctx context.Context, addr string) (p2p.PeerInfo, error)
	AddConnection(ctx context.Context, addr string, connType p2p.ConnectionType) (p2p.PeerInfo, error)
}

type InfoResponse struct {
	Name     string `json:"name"`
	P2PAddr  string `json:"p2p_addr"`
	Coinbase string `json:"coinbase"`
	Height   uint64 `json:"height"`
}
type TipResponse struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}
type BlockResponse struct {
	Header       types.BlockHeader   `json:"header"`
	Transactions []types.Transaction `json:"transactions"`
}
type BalanceResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}
type AccountsResponse struct {
	Accounts []BalanceResponse `json:"accounts"`
}
type GenerateRequest struct {
	Count int `json:"count"`
}
type GenerateResponse struct {
	Hashes []string `json:"hashes"`
}
type AddressResponse struct {
	Address string `json:"address"`
}
type SendRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}
type TxIDResponse struct {
	TxID string `json:"txid"`
}
type RawTxRequest struct {
	Hex string `json:"hex"`
}
type RawTxResponse struct {
	Hex string `json:"hex"`
}
type MempoolResponse struct {
	TxIDs []string `json:"txids"`
}
type PeersResponse struct {
	Peers []p2p.PeerInfo `json:"peers"`
}
type AddNodeRequest struct {
	Address string `json:"address"`
}
type AddConnectionRequest struct {
	Address        string `json:"address"`
	ConnectionType string `json:"connection_type"`
}
type PeerResponse struct {
	Peer p2p.PeerInfo `json:"peer"`
}

type Server struct {
	chain      *chain.Manager
	state      *state.Manager
	ctl        Controller
	httpServer *http.Server
	log        *zap.Logger
}

func NewServer(chain *chain.Manager, state *state.Manager, ctl Controller, listenAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	srv := &Server{chain: chain, state: state, ctl: ctl, log: logger.Named("rpc")}
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/info", srv.handleInfo)
	mux.HandleFunc("/tip", srv.handleGetTip)
	mux.HandleFunc("/block/", srv.handleGetBlock)
	mux.HandleFunc("/balance/", srv.handleGetBalance)
	mux.HandleFunc("/accounts", srv.handleAccounts)
	mux.HandleFunc("/generate", srv.handleGenerate)
	mux.HandleFunc("/newaddress", srv.handleNewAddress)
	mux.HandleFunc("/send", srv.handleSend)
	mux.HandleFunc("/rawtx", srv.handleSubmitRawTx)
	mux.HandleFunc("/rawtx/", srv.handleGetRawTx)
	mux.HandleFunc("/mempool", srv.handleMempool)
	mux.HandleFunc("/peers", srv.handlePeers)
	mux.HandleFunc("/addnode", srv.handleAddNode)
	mux.HandleFunc("/addconnection", srv.handleAddConnection)
	mux.Handle("/metrics", promhttp.Handler())
	srv.httpServer = &http.Server{Addr: listenAddr, Handler: mux}
	return srv
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	height, _ := s.chain.Tip()
	writeJSON(w, http.StatusOK, InfoResponse{
		Name:     s.ctl.Name(),
		P2PAddr:  s.ctl.P2PAddr(),
		Coinbase: s.ctl.Coinbase().String(),
		Height:   height,
	})
}

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	height, hash := s.chain.Tip()
	writeJSON(w, http.StatusOK, TipResponse{Height: height, Hash: hash.String()})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	heightStr := strings.TrimPrefix(r.URL.Path, "/block/")
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}

	block, err := s.chain.GetBlockByHeight(height)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err))
		return
	}

	writeJSON(w, http.StatusOK, BlockResponse{
		Header:       block.Header,
		Transactions: block.Transactions,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	addr, err := types.ParseAddress(strings.TrimPrefix(r.URL.Path, "/balance/"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}

	account, err := s.state.GetAccount(addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err))
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		Address: addr.String(),
		Balance: account.Balance,
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.state.Accounts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := AccountsResponse{Accounts: make([]BalanceResponse, 0, len(accounts))}
	for _, acct := range accounts {
		resp.Accounts = append(resp.Accounts, BalanceResponse{
			Address: acct.Address.String(),
			Balance: acct.Balance,
			Nonce:   acct.Nonce,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodePost(w, r, &req) {
		return
	}
	hashes, err := s.ctl.Generate(req.Count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := GenerateResponse{Hashes: make([]string, len(hashes))}
	for i, h := range hashes {
		out.Hashes[i] = h.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AddressResponse{Address: s.ctl.NewAddress().String()})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodePost(w, r, &req) {
		return
	}
	to, err := types.ParseAddress(req.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	txid, err := s.ctl.Send(to, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TxIDResponse{TxID: txid.String()})
}

func (s *Server) handleGetRawTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	txid, err := types.ParseHash(strings.TrimPrefix(r.URL.Path, "/rawtx/"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	raw, err := s.ctl.RawTransaction(txid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RawTxResponse{Hex: hex.EncodeToString(raw)})
}

func (s *Server) handleSubmitRawTx(w http.ResponseWriter, r *http.Request) {
	var req RawTxRequest
	if !decodePost(w, r, &req) {
		return
	}
	raw, err := hex.DecodeString(req.Hex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	txid, err := s.ctl.SubmitRawTransaction(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TxIDResponse{TxID: txid.String()})
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	hashes := s.ctl.MempoolHashes()
	out := MempoolResponse{TxIDs: make([]string, len(hashes))}
	for i, h := range hashes {
		out.TxIDs[i] = h.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PeersResponse{Peers: s.ctl.Peers()})
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if !decodePost(w, r, &req) {
		return
	}
	peer, err := s.ctl.AddNode(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PeerResponse{Peer: peer})
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req AddConnectionRequest
	if !decodePost(w, r, &req) {
		return
	}
	connType, err := p2p.ParseConnectionType(req.ConnectionType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	peer, err := s.ctl.AddConnection(r.Context(), req.Address, connType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PeerResponse{Peer: peer})
}

// Helpers

type errorPayload struct {
	Error string `json:"error"`
}

func decodePost(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, chain.ErrBlockNotFound):
		status = http.StatusNotFound
	case errors.Is(err, state.ErrInsufficientFunds), errors.Is(err, state.ErrNonceMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, p2p.ErrHandshake), errors.Is(err, p2p.ErrSelfConnection), errors.Is(err, p2p.ErrMaxPeers):
		status = http.StatusBadGateway
	case errors.Is(err, mempool.ErrFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorResponse(err error) errorPayload {
	return errorPayload{Error: err.Error()}
}
