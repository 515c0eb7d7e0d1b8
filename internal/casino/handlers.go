package casino

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler serves the HTTP API for a Service.
type Handler struct {
	svc     *Service
	auth    *Authenticator
	limiter *RateLimiter // optional
	hub     *WSHub       // optional
}

func NewHandler(svc *Service, auth *Authenticator, limiter *RateLimiter, hub *WSHub) *Handler {
	return &Handler{svc: svc, auth: auth, limiter: limiter, hub: hub}
}

// Routes returns the /api/v1 router. Reads are public; every mutation needs
// a bearer token and is rate limited per identity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
	r.Get("/pool", h.GetPool)
	r.Get("/liquidity/{owner}", h.GetPositions)
	r.Get("/funds/{owner}", h.GetBalance)
	r.Get("/wagers/max-bet", h.GetMaxBet)
	r.Get("/history", h.GetHistory)
	r.Get("/randomness/{account}/seed", h.GetSeed)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/pool/initialize", h.Initialize)
		r.Post("/liquidity/deposit", h.DepositLiquidity)
		r.Post("/liquidity/withdraw", h.WithdrawLiquidity)
		r.Post("/funds/deposit", h.DepositFunds)
		r.Post("/funds/withdraw", h.WithdrawFunds)
		r.Post("/wagers/settle", h.Settle)
		r.Post("/randomness/commit", h.CommitRandomness)
		r.Post("/airdrop", h.Airdrop)
	})
	return r
}

// --- mutations ---

// Initialize handles POST /pool/initialize. The caller becomes admin.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	l, err := h.svc.Initialize(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DepositLiquidity handles POST /liquidity/deposit.
func (h *Handler) DepositLiquidity(w http.ResponseWriter, r *http.Request) {
	var req DepositLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	resp, err := h.svc.DepositLiquidity(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// WithdrawLiquidity handles POST /liquidity/withdraw.
func (h *Handler) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req WithdrawLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	resp, err := h.svc.WithdrawLiquidity(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DepositFunds handles POST /funds/deposit.
func (h *Handler) DepositFunds(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	resp, err := h.svc.DepositFunds(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// WithdrawFunds handles POST /funds/withdraw.
func (h *Handler) WithdrawFunds(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	resp, err := h.svc.WithdrawFunds(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Settle handles POST /wagers/settle. Admin only.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	resp, err := h.svc.Settle(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CommitRequest is the JSON body for POST /randomness/commit.
type CommitRequest struct {
	Player string `json:"player"`
}

// CommitRandomness handles POST /randomness/commit. Admin only.
func (h *Handler) CommitRandomness(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := IdentityFrom(r.Context())
	c, err := h.svc.CommitRandomness(r.Context(), caller, req.Player)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// AirdropRequest is the JSON body for POST /airdrop.
type AirdropRequest struct {
	Account string `json:"account,omitempty"` // defaults to the caller
	Amount  uint64 `json:"amount"`
}

// Airdrop handles POST /airdrop.
func (h *Handler) Airdrop(w http.ResponseWriter, r *http.Request) {
	var req AirdropRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account, _ = IdentityFrom(r.Context())
	}
	wallet, err := h.svc.Airdrop(r.Context(), req.Account, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "wallet": wallet})
}

// --- queries ---

// GetPool handles GET /pool.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.PoolSnapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPositions handles GET /liquidity/{owner}.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Positions(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetBalance handles GET /funds/{owner}: the custodial balance plus the
// owner's external wallet.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	bal, err := h.svc.Balance(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	wallet, err := h.svc.Wallet(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal, "wallet": wallet})
}

// GetMaxBet handles GET /wagers/max-bet?chance=N.
func (h *Handler) GetMaxBet(w http.ResponseWriter, r *http.Request) {
	chance, err := strconv.ParseUint(r.URL.Query().Get("chance"), 10, 64)
	if err != nil {
		writeError(w, "chance must be a positive integer", http.StatusBadRequest)
		return
	}
	view, err := h.svc.MaxBet(r.Context(), chance)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetHistory handles GET /history?owner=&limit=. Without an owner it
// returns the pool-wide journal.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := h.svc.History(r.Context(), q.Get("owner"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSeed handles GET /randomness/{account}/seed for revealed rounds.
func (h *Handler) GetSeed(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	seed, err := h.svc.RevealedSeed(account)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "seed": seed})
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, public := statusOf(err)
	if !public {
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
