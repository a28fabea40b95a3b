package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sanadpay/wallet/internal/models"
	"github.com/sanadpay/wallet/internal/services"
)

// WalletHandler is the thin adapter surface other domains use to move money.
// No direct payout path exists outside this contract.
type WalletHandler struct {
	accounts   *services.AccountService
	journal    *services.JournalService
	holds      *services.HoldService
	settlement *services.SettlementService
	config     *services.RuntimeConfigService
	idem       *services.IdempotencyService
	validator  *services.ValidationHelper
}

func NewWalletHandler(
	accounts *services.AccountService,
	journal *services.JournalService,
	holds *services.HoldService,
	settlement *services.SettlementService,
	config *services.RuntimeConfigService,
	idem *services.IdempotencyService,
) *WalletHandler {
	return &WalletHandler{
		accounts:   accounts,
		journal:    journal,
		holds:      holds,
		settlement: settlement,
		config:     config,
		idem:       idem,
		validator:  services.NewValidationHelper(),
	}
}

// CreateAccount handles POST /accounts
func (h *WalletHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req services.CreateAccountRequest
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "account.create", hash, func() (any, int, error) {
		account, err := h.accounts.CreateAccount(r.Context(), req, actor(r))
		return account, http.StatusCreated, err
	})
}

// GetBalance handles GET /accounts/{accountID}/balance
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.accounts.GetBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// SetAccountStatus handles PUT /accounts/{accountID}/status
func (h *WalletHandler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" validate:"required,oneof=active suspended closed"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "account.set_status", hash, func() (any, int, error) {
		account, err := h.accounts.SetStatus(r.Context(), chi.URLParam(r, "accountID"), req.Status, actor(r))
		return account, http.StatusOK, err
	})
}

// PostTransaction handles POST /transactions
func (h *WalletHandler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TransactionRef string              `json:"transaction_ref" validate:"required"`
		Entries        []models.EntryInput `json:"entries" validate:"required,min=1,dive"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "journal.post", hash, func() (any, int, error) {
		batch, err := h.journal.Post(r.Context(), req.TransactionRef, req.Entries, actor(r))
		return batch, http.StatusCreated, err
	})
}

// ReverseTransaction handles POST /transactions/{transactionRef}/reverse
func (h *WalletHandler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "journal.reverse", hash, func() (any, int, error) {
		batch, err := h.journal.Reverse(r.Context(), chi.URLParam(r, "transactionRef"), actor(r))
		return batch, http.StatusCreated, err
	})
}

// CreateHold handles POST /holds
func (h *WalletHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req services.CreateHoldRequest
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "hold.create", hash, func() (any, int, error) {
		hold, err := h.holds.CreateHold(r.Context(), req, actor(r))
		return hold, http.StatusCreated, err
	})
}

// ReleaseHold handles POST /holds/{holdID}/release
func (h *WalletHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "hold.release", hash, func() (any, int, error) {
		hold, err := h.holds.Release(r.Context(), chi.URLParam(r, "holdID"), actor(r))
		return hold, http.StatusOK, err
	})
}

// CaptureHold handles POST /holds/{holdID}/capture
func (h *WalletHandler) CaptureHold(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      int64  `json:"amount" validate:"gt=0"`
		ToAccountID string `json:"to_account_id,omitempty"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "hold.capture", hash, func() (any, int, error) {
		hold, err := h.holds.Capture(r.Context(), chi.URLParam(r, "holdID"), req.Amount, req.ToAccountID, actor(r))
		return hold, http.StatusOK, err
	})
}

// ForfeitHold handles POST /holds/{holdID}/forfeit
func (h *WalletHandler) ForfeitHold(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "hold.forfeit", hash, func() (any, int, error) {
		hold, err := h.holds.Forfeit(r.Context(), chi.URLParam(r, "holdID"), actor(r))
		return hold, http.StatusOK, err
	})
}

// CreateSettlementBatch handles POST /settlements
func (h *WalletHandler) CreateSettlementBatch(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		PartnerID   string    `json:"partner_id" validate:"required"`
		PeriodStart time.Time `json:"period_start" validate:"required"`
		PeriodEnd   time.Time `json:"period_end" validate:"required"`
		Criteria    string    `json:"criteria,omitempty"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "settlement.create", hash, func() (any, int, error) {
		batch, err := h.settlement.CreateBatch(r.Context(), req.PartnerID, req.PeriodStart, req.PeriodEnd, req.Criteria, actor(r))
		return batch, http.StatusCreated, err
	})
}

// SubmitFirstApproval handles POST /settlements/{batchID}/first-approval
func (h *WalletHandler) SubmitFirstApproval(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, "settlement.first_approval", h.settlement.SubmitFirstApproval)
}

// SubmitSecondApproval handles POST /settlements/{batchID}/second-approval
func (h *WalletHandler) SubmitSecondApproval(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, "settlement.second_approval", h.settlement.SubmitSecondApproval)
}

func (h *WalletHandler) approve(w http.ResponseWriter, r *http.Request, operation string,
	submit func(ctx context.Context, batchID, approverID string) (*models.SettlementBatch, error)) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		ApproverID string `json:"approver_id" validate:"required"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, operation, hash, func() (any, int, error) {
		batch, err := submit(r.Context(), chi.URLParam(r, "batchID"), req.ApproverID)
		return batch, http.StatusOK, err
	})
}

// RejectSettlementBatch handles POST /settlements/{batchID}/reject
func (h *WalletHandler) RejectSettlementBatch(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "settlement.reject", hash, func() (any, int, error) {
		batch, err := h.settlement.Reject(r.Context(), chi.URLParam(r, "batchID"), actor(r))
		return batch, http.StatusOK, err
	})
}

// ExportSettlementBatch handles POST /settlements/{batchID}/export
func (h *WalletHandler) ExportSettlementBatch(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		FileURL string `json:"file_url" validate:"required,url"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "settlement.export", hash, func() (any, int, error) {
		batch, err := h.settlement.Export(r.Context(), chi.URLParam(r, "batchID"), req.FileURL, actor(r))
		return batch, http.StatusOK, err
	})
}

// ProposeConfig handles POST /config
func (h *WalletHandler) ProposeConfig(w http.ResponseWriter, r *http.Request) {
	body, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Key        string `json:"key" validate:"required"`
		Scope      string `json:"scope" validate:"required"`
		ScopeValue string `json:"scope_value,omitempty"`
		Value      string `json:"value" validate:"required"`
	}
	if !h.decode(w, body, &req) {
		return
	}
	h.runIdempotent(w, r, "config.propose", hash, func() (any, int, error) {
		entry, err := h.config.Propose(r.Context(), req.Key, req.Scope, req.ScopeValue, req.Value, actor(r))
		return entry, http.StatusCreated, err
	})
}

// PublishConfig handles POST /config/{entryID}/publish
func (h *WalletHandler) PublishConfig(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "config.publish", hash, func() (any, int, error) {
		entry, err := h.config.Publish(r.Context(), chi.URLParam(r, "entryID"), actor(r))
		return entry, http.StatusOK, err
	})
}

// RollbackConfig handles POST /config/{entryID}/rollback
func (h *WalletHandler) RollbackConfig(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := readBody(w, r)
	if !ok {
		return
	}
	h.runIdempotent(w, r, "config.rollback", hash, func() (any, int, error) {
		entry, err := h.config.Rollback(r.Context(), chi.URLParam(r, "entryID"), actor(r))
		return entry, http.StatusOK, err
	})
}

// ResolveConfig handles GET /config/resolve
func (h *WalletHandler) ResolveConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		services.SendErrorResponse(w, "key is required", http.StatusBadRequest, nil)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = models.ConfigScopeGlobal
	}
	value, err := h.config.Resolve(r.Context(), key, scope, r.URL.Query().Get("scope_value"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

// runIdempotent funnels a mutation through the idempotency guard and writes
// either the (possibly cached) outcome or the mapped error.
func (h *WalletHandler) runIdempotent(w http.ResponseWriter, r *http.Request, operation, requestHash string, fn func() (any, int, error)) {
	key := r.Header.Get("Idempotency-Key")
	response, statusCode, err := h.idem.Execute(r.Context(), key, operation, requestHash,
		func(ctx context.Context) ([]byte, int, error) {
			result, status, err := fn()
			if err != nil {
				return nil, 0, err
			}
			data, err := json.Marshal(result)
			if err != nil {
				return nil, 0, err
			}
			return data, status, nil
		})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(response)
}

func (h *WalletHandler) decode(w http.ResponseWriter, body []byte, dst any) bool {
	if err := json.Unmarshal(body, dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *WalletHandler) fail(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		log.Printf("[WALLET] Internal error: %v", err)
		services.SendErrorResponse(w, "Internal error", status, nil)
		return
	}
	services.SendErrorResponse(w, err.Error(), status, nil)
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrIdempotencyKeyConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(err, services.ErrStateConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads and hashes the request body so replays can be matched
// byte-for-byte against the original payload. An empty body is allowed for
// parameterless mutations; its hash still pins the key to that shape.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return nil, "", false
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), true
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// actor identifies the calling operator for audit records. Authentication is
// handled upstream; the gateway forwards the verified subject here.
func actor(r *http.Request) string {
	if id := r.Header.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "system"
}
