package transaction

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Monad-Automation/internal/wallet"
	"Monad-Automation/internal/web3/ethereum"
)

func TestPipelineAgainstSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := wallet.Generate("sender")
	require.NoError(t, err)
	funding := new(big.Int).Mul(big.NewInt(5), big.NewInt(1_000_000_000_000_000_000))

	sim := simulated.NewBackend(types.GenesisAlloc{sender.Address(): {Balance: funding}})
	t.Cleanup(func() { _ = sim.Close() })

	gw := ethereum.New(sim.Client(), ethereum.Config{Name: "simulated", ChainID: 1337})
	p := NewPipeline(gw, WithPollInterval(10*time.Millisecond))

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	value := big.NewInt(123_456)

	first, err := p.Prepare(ctx, sender, Params{To: &to, Value: value})
	require.NoError(t, err)
	second, err := p.Prepare(ctx, sender, Params{To: &to, Value: value})
	require.NoError(t, err)
	assert.Equal(t, first.Nonce+1, second.Nonce)

	var hashes []common.Hash
	for _, req := range []*Request{first, second} {
		hash, err := p.Send(ctx, sender, req)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	sim.Commit()

	for _, hash := range hashes {
		receipt, err := p.Confirm(ctx, hash, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	}

	received, err := gw.Balance(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(value, big.NewInt(2)), received)
}
