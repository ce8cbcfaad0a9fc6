package handlers

import (
	"net/http"
	"strings"

	"bridgerelay/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog/log"
)

func txList(txs []*types.BridgeTransaction) []*types.BridgeTransaction {
	if txs == nil {
		return []*types.BridgeTransaction{}
	}
	return txs
}

// GetUserTransactions lists the bridge history of an address, newest first.
func (a *API) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !common.IsHexAddress(user) {
		responseError(w, "user", "No ethereum address or invalid address provided", http.StatusBadRequest)
		return
	}
	if err := ethav.Validate(common.HexToAddress(user).Hex()); err != nil {
		log.Warn().Err(err).Str("user", user).Msg("Error validating Eth address")
		responseError(w, "user", "No ethereum address or invalid address provided", http.StatusBadRequest)
		return
	}

	txs, err := a.Store.FindByUser(r.Context(), common.HexToAddress(user).Hex())
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("Error getting user transactions")
		responseError(w, "", "Error getting transactions", http.StatusInternalServerError)
		return
	}
	responseJSON(w, txList(txs), http.StatusOK)
}

// GetTransactionHistory finds the records on either side of the bridge
// that involve the given tx hash.
func (a *API) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "tx")
	if !strings.HasPrefix(hash, "0x") || len(common.FromHex(hash)) != common.HashLength {
		responseError(w, "tx", "No transaction hash or invalid hash provided", http.StatusBadRequest)
		return
	}

	txs, err := a.Store.FindByTxHash(r.Context(), hash)
	if err != nil {
		log.Error().Err(err).Str("tx", hash).Msg("Error getting transaction history")
		responseError(w, "", "Error getting transactions", http.StatusInternalServerError)
		return
	}
	responseJSON(w, txList(txs), http.StatusOK)
}

func (a *API) GetTransactionsByStatus(w http.ResponseWriter, r *http.Request) {
	status := types.Status(chi.URLParam(r, "status"))
	if !status.Valid() {
		responseError(w, "status", "Unknown status", http.StatusNotFound)
		return
	}

	txs, err := a.Store.FindAllWithStatus(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Error getting transactions by status")
		responseError(w, "", "Error getting transactions", http.StatusInternalServerError)
		return
	}
	responseJSON(w, txList(txs), http.StatusOK)
}

func (a *API) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Queue.Counts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Error getting queue counts")
		responseError(w, "", "Error getting queue stats", http.StatusInternalServerError)
		return
	}
	responseJSON(w, counts, http.StatusOK)
}
