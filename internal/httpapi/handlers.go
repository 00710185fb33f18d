package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openraffle/raffle-engine/internal/httputil"
	"github.com/openraffle/raffle-engine/internal/ledger"
	"github.com/openraffle/raffle-engine/internal/raffle"
	"github.com/openraffle/raffle-engine/internal/storage"
	"github.com/openraffle/raffle-engine/internal/vrf"
)

const (
	defaultEventLimit = 50
	maxListLimit      = 1000
)

type entryRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type entryReceipt struct {
	Address     string `json:"address"`
	Amount      int64  `json:"amount"`
	Round       uint64 `json:"round"`
	PlayerCount int    `json:"player_count"`
	Pot         int64  `json:"pot"`
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var input entryRequest
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	if input.Address == "" {
		httputil.BadRequest(w, "address required")
		return
	}

	if err := s.machine.Enter(r.Context(), input.Address, input.Amount); err != nil {
		s.writeEntryError(w, err)
		return
	}

	snap := s.machine.Snapshot()
	httputil.WriteJSON(w, http.StatusCreated, entryReceipt{
		Address:     input.Address,
		Amount:      input.Amount,
		Round:       snap.Round,
		PlayerCount: snap.PlayerCount,
		Pot:         snap.Pot,
	})
}

func (s *Server) writeEntryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, raffle.ErrInsufficientPayment),
		errors.Is(err, ledger.ErrInsufficientFunds):
		httputil.PaymentRequired(w, err.Error())
	case errors.Is(err, raffle.ErrRaffleNotOpen):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrTransferRejected):
		httputil.BadRequest(w, err.Error())
	default:
		s.log.WithError(err).Error("raffle entry failed")
		httputil.InternalError(w, "entry failed")
	}
}

func (s *Server) handleGetRaffle(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		httputil.BadRequest(w, "index must be an integer")
		return
	}

	player, err := s.machine.Player(index)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"index":  index,
		"player": player,
	})
}

func (s *Server) handleCheckUpkeep(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.machine.CheckUpkeep(r.Context()))
}

type upkeepConflict struct {
	Error  string              `json:"error"`
	Status raffle.UpkeepStatus `json:"status"`
}

type upkeepReceipt struct {
	RequestID uint64 `json:"request_id"`
}

func (s *Server) handlePerformUpkeep(w http.ResponseWriter, r *http.Request) {
	requestID, err := s.machine.PerformUpkeep(r.Context())
	if err != nil {
		var notNeeded *raffle.UpkeepNotNeededError
		if errors.As(err, &notNeeded) {
			httputil.WriteJSON(w, http.StatusConflict, upkeepConflict{
				Error:  err.Error(),
				Status: notNeeded.Status,
			})
			return
		}
		s.log.WithError(err).Error("perform upkeep failed")
		httputil.InternalError(w, "perform upkeep failed")
		return
	}

	// Settlement completes asynchronously when the random words arrive.
	httputil.WriteJSON(w, http.StatusAccepted, upkeepReceipt{RequestID: requestID})
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "settlement history not configured")
		return
	}

	limit := parseLimit(r, storage.DefaultListLimit)
	records, err := s.store.ListSettlements(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("list settlements failed")
		httputil.InternalError(w, "failed to load settlements")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": records,
		"count":       len(records),
	})
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "settlement history not configured")
		return
	}

	record, err := s.store.GetSettlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrSettlementNotFound) {
			httputil.NotFound(w, "settlement not found")
			return
		}
		s.log.WithError(err).Error("get settlement failed")
		httputil.InternalError(w, "failed to load settlement")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{
		Address: address,
		Balance: s.book.Balance(address),
	})
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	var input depositRequest
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	if err := s.book.Deposit(address, input.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			httputil.BadRequest(w, err.Error())
			return
		}
		s.log.WithError(err).Error("deposit failed")
		httputil.InternalError(w, "deposit failed")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, balanceResponse{
		Address: address,
		Balance: s.book.Balance(address),
	})
}

func (s *Server) handleListRandomnessRequests(w http.ResponseWriter, r *http.Request) {
	pending := s.randomness.Pending()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": pending,
		"count":    len(pending),
	})
}

func (s *Server) handleGetRandomnessRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	request, found := s.randomness.Request(requestID)
	if !found {
		httputil.NotFound(w, "randomness request not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, request)
}

type fulfillRequest struct {
	// Words are decimal strings so callers can pass values beyond int64.
	Words []string `json:"words"`
}

func (s *Server) handleFulfillRandomnessRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	// The body is optional: without explicit words the coordinator derives
	// or dequeues its own.
	var input fulfillRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid request body: "+err.Error())
		return
	}

	words := make([]*big.Int, 0, len(input.Words))
	for _, raw := range input.Words {
		word, valid := new(big.Int).SetString(raw, 10)
		if !valid {
			httputil.BadRequest(w, "words must be decimal integers, got "+strconv.Quote(raw))
			return
		}
		words = append(words, word)
	}

	var err error
	if len(words) > 0 {
		err = s.randomness.FulfillWith(r.Context(), requestID, words)
	} else {
		err = s.randomness.Fulfill(r.Context(), requestID)
	}
	if err != nil {
		s.writeFulfillError(w, err)
		return
	}

	request, _ := s.randomness.Request(requestID)
	httputil.WriteJSON(w, http.StatusOK, request)
}

func (s *Server) writeFulfillError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vrf.ErrUnknownRequest):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, vrf.ErrAlreadyFulfilled),
		errors.Is(err, vrf.ErrDeliveryInFlight),
		errors.Is(err, raffle.ErrUnknownRequest):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, vrf.ErrNoConsumer):
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, raffle.ErrPayoutFailed):
		// The settlement aborted and stays retryable; surface the cause.
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.WithError(err).Error("fulfill randomness request failed")
		httputil.InternalError(w, "fulfillment failed")
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultEventLimit)
	recent := s.events.Recent(limit)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}

func parseRequestID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	requestID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.BadRequest(w, "request id must be an unsigned integer")
		return 0, false
	}
	return requestID, true
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return fallback
	}
	return limit
}
