package types

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionForwardOnly(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusPending, StatusProcessing, StatusFailed},
		StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
		StatusCompleted:  {StatusCompleted},
		StatusFailed:     {StatusFailed},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApplyNeverLeavesTerminal(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed} {
		tx := &BridgeTransaction{ID: "x", Status: terminal}
		for _, to := range []Status{StatusPending, StatusProcessing} {
			err := tx.Apply(Patch{Status: to})
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, terminal, tx.Status)
		}
	}

	tx := &BridgeTransaction{ID: "y", Status: StatusProcessing}
	require.ErrorIs(t, tx.Apply(Patch{Status: StatusPending}), ErrInvalidTransition)
	require.ErrorIs(t, tx.Apply(Patch{Status: "unknown"}), ErrInvalidTransition)
}

func TestApplyRelayTaskIDSetOnce(t *testing.T) {
	tx := &BridgeTransaction{ID: "a", Status: StatusPending}
	require.NoError(t, tx.Apply(Patch{Status: StatusProcessing, RelayTaskID: "task-1"}))
	assert.Equal(t, "task-1", tx.RelayTaskID)

	// same value again is fine
	require.NoError(t, tx.Apply(Patch{RelayTaskID: "task-1"}))

	err := tx.Apply(Patch{RelayTaskID: "task-2"})
	require.True(t, errors.Is(err, ErrRelayTaskConflict))
	assert.Equal(t, "task-1", tx.RelayTaskID)
	assert.Equal(t, StatusProcessing, tx.Status)
}

func TestApplyRejectedPatchLeavesRecordUntouched(t *testing.T) {
	tx := &BridgeTransaction{ID: "b", Status: StatusCompleted, TxHash: "0xBBB"}
	err := tx.Apply(Patch{Status: StatusProcessing, TxHash: "0xCCC"})
	require.Error(t, err)
	assert.Equal(t, "0xBBB", tx.TxHash)
}

func TestFormatAmount(t *testing.T) {
	ten, _ := new(big.Int).SetString("10000000000000000000", 10)
	assert.Equal(t, "10.0", FormatAmount(ten))
	assert.Equal(t, "0.25", FormatAmount(big.NewInt(250000000000000000)))
	assert.Equal(t, "0.000000000000000001", FormatAmount(big.NewInt(1)))
	assert.Equal(t, "0.0", FormatAmount(big.NewInt(0)))
	assert.Equal(t, "0.0", FormatAmount(nil))
}

func TestParseAmountRoundTrip(t *testing.T) {
	for _, s := range []string{"10.0", "0.25", "123456789.123456789123456789", "0.000000000000000001"} {
		wei, err := ParseAmount(s)
		require.NoError(t, err, s)
		back, err := ParseAmount(FormatAmount(wei))
		require.NoError(t, err)
		assert.Equal(t, 0, wei.Cmp(back), s)
	}

	wei, err := ParseAmount("10")
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", wei.String())
}

func TestParseAmountRejects(t *testing.T) {
	for _, s := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		_, err := ParseAmount(s)
		assert.ErrorIs(t, err, ErrInvalidAmount, s)
	}
}

func TestDecodeMint(t *testing.T) {
	data, _ := json.Marshal(MintPayload{
		User: "0xA1", Amount: "10.0", TargetNetwork: "optimism", TxHashOriginator: "0xAAA",
	})
	job := &Job{ID: "0xAAA", Name: JobMint, Data: data}
	p, err := job.DecodeMint()
	require.NoError(t, err)
	assert.Equal(t, "optimism", p.TargetNetwork)

	job.Name = "somethingElse"
	_, err = job.DecodeMint()
	require.Error(t, err)

	job = &Job{ID: "1", Name: JobMint, Data: []byte(`{"user":"0xA1","amount":"x","targetNetwork":"optimism","txHashOriginator":"0x1"}`)}
	_, err = job.DecodeMint()
	require.ErrorIs(t, err, ErrInvalidAmount)
}
