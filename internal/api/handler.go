package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/keys"
	"github.com/punchamoorthee/paysettle/internal/models"
	"github.com/punchamoorthee/paysettle/internal/payment"
	"github.com/punchamoorthee/paysettle/internal/payout"
	"github.com/punchamoorthee/paysettle/internal/service"
	"github.com/punchamoorthee/paysettle/internal/store"
)

// maxBodyBytes caps request bodies; a two-signature request is well below it.
const maxBodyBytes = 64 << 10

// Settler is the settlement surface the transport needs.
type Settler interface {
	CreateTransaction(ctx context.Context, principal string, req *payment.ServerRequest) (*payment.Response, error)
	History(ctx context.Context, username string, page int) ([]domain.Entry, error)
	HistoryCount(ctx context.Context, username string) (int64, error)
	RecentTransactions(ctx context.Context, username string) ([]domain.Entry, error)
	PageSize() int
}

// RuleCreator validates and stores payout rules.
type RuleCreator interface {
	CreateRules(ctx context.Context, accountID int64, rules []domain.PayoutRule) ([]domain.PayoutRule, error)
}

type Handler struct {
	settler  Settler
	accounts store.Accounts
	rules    RuleCreator
	logger   zerolog.Logger
}

func NewHandler(settler Settler, accounts store.Accounts, rules RuleCreator, logger zerolog.Logger) *Handler {
	return &Handler{
		settler:  settler,
		accounts: accounts,
		rules:    rules,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Username != principalFrom(r.Context()) {
		respondWithError(w, http.StatusForbidden, "Username must match the authenticated user")
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), req.Username, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			respondWithError(w, http.StatusConflict, "Username already exists")
			return
		}
		if errors.Is(err, store.ErrInvalidUsername) {
			respondWithError(w, http.StatusUnprocessableEntity, "Username must be printable and at most 64 bytes")
			return
		}
		h.logger.Error().Err(err).Str("username", req.Username).Msg("account creation failed")
		respondWithError(w, http.StatusInternalServerError, "System error creating account")
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+account.Username)
	respondWithJSON(w, http.StatusCreated, models.AccountResponse{
		Username: account.Username,
		Email:    account.Email,
		Balance:  account.Balance,
		Recent:   []models.Transaction{},
	})
}

// CreateTransaction settles a base64 TLV ServerRequest. Fresh settlements
// answer 201, replays 200 with DUPLICATE_REQUEST.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body models.TransactionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.ServerRequest)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "server_request must be base64")
		return
	}
	req, err := payment.DecodeServerRequest(raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed payment request: "+err.Error())
		return
	}

	resp, err := h.settler.CreateTransaction(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		kind := service.KindOf(err)
		code := failureStatus(kind)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			msg = "Internal Server Error"
		}
		respondWithJSON(w, code, models.ErrorResponse{Error: msg, Kind: kind.String()})
		return
	}

	encoded, err := resp.Encode()
	if err != nil {
		h.logger.Error().Err(err).Msg("response encoding failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	code := http.StatusCreated
	if resp.Status == payment.StatusDuplicateRequest {
		code = http.StatusOK
	}
	respondWithJSON(w, code, models.TransactionResponse{
		Status:    resp.Status.String(),
		Response:  base64.StdEncoding.EncodeToString(encoded),
		Payer:     resp.PayerUsername,
		Payee:     resp.PayeeUsername,
		Currency:  resp.Currency,
		Amount:    resp.Amount,
		Timestamp: resp.Timestamp,
	})
}

func failureStatus(kind service.Kind) int {
	switch kind {
	case service.KindRejected, service.KindNegativeAmount, service.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case service.KindNotAuthenticatedUser:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// owner resolves the {username} path account, which must be the caller's own.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	username := mux.Vars(r)["username"]
	if username != principalFrom(r.Context()) {
		respondWithError(w, http.StatusForbidden, "Not your account")
		return nil, false
	}
	account, err := h.accounts.AccountByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("username", username).Msg("account lookup failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return nil, false
	}
	return account, true
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.owner(w, r)
	if !ok {
		return
	}
	count, err := h.settler.HistoryCount(r.Context(), account.Username)
	if err != nil {
		h.serverError(w, err, "history count failed")
		return
	}
	recent, err := h.settler.RecentTransactions(r.Context(), account.Username)
	if err != nil {
		h.serverError(w, err, "recent transactions failed")
		return
	}
	respondWithJSON(w, http.StatusOK, models.AccountResponse{
		Username:      account.Username,
		Email:         account.Email,
		Balance:       account.Balance,
		EmailVerified: account.EmailVerified,
		Transactions:  count,
		Recent:        models.NewTransactions(recent),
	})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	account, ok := h.owner(w, r)
	if !ok {
		return
	}
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "page must be an integer")
			return
		}
		page = n
	}

	entries, err := h.settler.History(r.Context(), account.Username, page)
	if err != nil {
		h.serverError(w, err, "history failed")
		return
	}
	total, err := h.settler.HistoryCount(r.Context(), account.Username)
	if err != nil {
		h.serverError(w, err, "history count failed")
		return
	}
	respondWithJSON(w, http.StatusOK, models.HistoryResponse{
		Page:         page,
		PageSize:     h.settler.PageSize(),
		Total:        total,
		Transactions: models.NewTransactions(entries),
	})
}

func (h *Handler) RegisterKey(w http.ResponseWriter, r *http.Request) {
	account, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req models.KeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	alg := keys.Algorithm(req.Algorithm)
	if !alg.Valid() {
		respondWithError(w, http.StatusUnprocessableEntity, keys.ErrUnknownAlgorithm.Error())
		return
	}
	pub, err := keys.DecodePublicKey(req.PublicKey)
	if err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	n, err := h.accounts.SaveUserPublicKey(r.Context(), account.ID, uint8(alg), pub)
	if err != nil {
		h.serverError(w, err, "key registration failed")
		return
	}
	h.logger.Info().Str("username", account.Username).Uint32("key_number", n).Str("algorithm", alg.String()).Msg("public key registered")
	respondWithJSON(w, http.StatusCreated, models.KeyResponse{KeyNumber: n})
}

func (h *Handler) CreatePayoutRules(w http.ResponseWriter, r *http.Request) {
	account, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req models.PayoutRulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rules := make([]domain.PayoutRule, 0, len(req.Rules))
	for _, rule := range req.Rules {
		rules = append(rules, rule.Domain())
	}

	created, err := h.rules.CreateRules(r.Context(), account.ID, rules)
	switch {
	case err == nil:
	case errors.Is(err, payout.ErrInvalidRule), errors.Is(err, payout.ErrInvalidAddress):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, store.ErrRulesAlreadyDefined):
		respondWithError(w, http.StatusConflict, "Payout rules already defined")
		return
	default:
		h.serverError(w, err, "payout rule creation failed")
		return
	}

	out := models.PayoutRulesResponse{Rules: make([]models.PayoutRule, 0, len(created))}
	for _, rule := range created {
		out.Rules = append(out.Rules, models.NewPayoutRule(rule))
	}
	respondWithJSON(w, http.StatusCreated, out)
}

func (h *Handler) serverError(w http.ResponseWriter, err error, msg string) {
	h.logger.Error().Err(err).Msg(msg)
	respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
