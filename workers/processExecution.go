package workers

import (
	"context"
	"errors"
	"fmt"

	"bridgerelay/EVMRPC"
	"bridgerelay/queue"
	"bridgerelay/relay"
	"bridgerelay/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// MintWorker submits queued mints through the relay.
type MintWorker struct {
	networks *EVMRPC.Networks
	relayer  relay.Relayer
	store    types.Store
}

func NewMintWorker(networks *EVMRPC.Networks, relayer relay.Relayer, store types.Store) *MintWorker {
	return &MintWorker{networks: networks, relayer: relayer, store: store}
}

// Handle is the queue handler. Errors make the queue retry the job.
func (w *MintWorker) Handle(ctx context.Context, job *types.Job) error {
	switch job.Name {
	case types.JobMint:
		payload, err := job.DecodeMint()
		if err != nil {
			return queue.Permanent(err)
		}
		return w.mint(ctx, payload)
	default:
		return queue.Permanent(fmt.Errorf("unknown job %q", job.Name))
	}
}

func (w *MintWorker) mint(ctx context.Context, p types.MintPayload) error {
	// a redelivered job must not submit a second mint
	rec, err := w.store.FindByOriginatorHash(ctx, p.TxHashOriginator)
	if errors.Is(err, types.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("error searching bridge transaction %s: %w", p.TxHashOriginator, err)
	}
	if rec.Status != types.StatusPending {
		log.Warn().Str("originator", p.TxHashOriginator).Str("status", string(rec.Status)).
			Str("task", rec.RelayTaskID).Msg("Bridge transaction already left pending, skipping mint")
		return nil
	}

	nw, ok := w.networks.Get(p.TargetNetwork)
	if !ok {
		return queue.Permanent(fmt.Errorf("unknown target network %q", p.TargetNetwork))
	}
	if nw.Signer == nil {
		return queue.Permanent(fmt.Errorf("no signer for network %s", nw.Name))
	}
	amount, err := types.ParseAmount(p.Amount)
	if err != nil {
		return queue.Permanent(err)
	}
	if !common.IsHexAddress(p.User) {
		return queue.Permanent(fmt.Errorf("invalid recipient %q", p.User))
	}

	data, err := EVMRPC.PackMint(common.HexToAddress(p.User), amount)
	if err != nil {
		return fmt.Errorf("error encoding mint call: %w", err)
	}

	nonce, err := nw.Client.PendingNonceAt(ctx, nw.Signer.Address())
	if err != nil {
		return fmt.Errorf("error getting nonce for wallet: %w", err)
	}
	signed, err := nw.Signer.SignCall(nw.ChainID, nonce, nw.Contract, data)
	if err != nil {
		return err
	}

	taskID, err := w.relayer.SponsoredCall(ctx, relay.SponsoredCallRequest{
		ChainID: nw.ChainID,
		Target:  nw.Contract,
		Data:    data,
	})
	if err != nil {
		return err
	}
	log.Info().Str("network", nw.Name).Str("originator", p.TxHashOriginator).Str("user", p.User).
		Str("amount", p.Amount).Str("signedTx", signed.Hash().Hex()).Str("task", taskID).
		Msg("Mint submitted to relay")

	if _, err := w.store.UpdateByOriginatorHash(ctx, p.TxHashOriginator, types.Patch{
		Status:      types.StatusProcessing,
		RelayTaskID: taskID,
	}); err != nil {
		err = fmt.Errorf("error saving relay task %s for %s: %w", taskID, p.TxHashOriginator, err)
		if errors.Is(err, types.ErrRelayTaskConflict) || errors.Is(err, types.ErrInvalidTransition) || errors.Is(err, types.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	return nil
}

// OnFailed logs the payload of a job that used all attempts so the mint
// can be handled by hand.
func (w *MintWorker) OnFailed(job *types.Job, err error) {
	if len(job.Data) == 0 {
		log.Error().Err(err).Str("job", job.ID).Msg("Mint job failed permanently without payload, check the bridge transaction by hand")
		return
	}
	log.Error().Err(err).Str("job", job.ID).Str("name", job.Name).Int("attempts", job.AttemptsMade).
		RawJSON("payload", job.Data).Msg("Mint job failed permanently, record left for manual handling")
}
