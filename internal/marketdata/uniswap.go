package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const uniswapV2PairABI = `[{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"payable":false,"stateMutability":"view","type":"function"}]`

// uniswapPricePrecision is the number of decimal places kept from the reserve ratio.
const uniswapPricePrecision = 18

// ContractCaller is the read-only slice of ethclient.Client the pool reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// UniswapV2 prices a pair contract as reserve1/reserve0 (token1 per token0),
// or the inverse when Invert is set. The symbol argument is ignored: the pool
// address pins the pair.
type UniswapV2 struct {
	caller ContractCaller
	pool   common.Address
	invert bool
	abi    abi.ABI
}

// DialUniswapV2 connects to opts.RPCURL.
func DialUniswapV2(opts Options) (*UniswapV2, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("uniswapv2: rpc url required")
	}
	client, err := ethclient.Dial(opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("uniswapv2 dial: %w", err)
	}
	return NewUniswapV2(client, opts.PoolAddress, opts.Invert)
}

func NewUniswapV2(caller ContractCaller, poolAddress string, invert bool) (*UniswapV2, error) {
	if !common.IsHexAddress(poolAddress) {
		return nil, fmt.Errorf("uniswapv2: invalid pool address %q", poolAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(uniswapV2PairABI))
	if err != nil {
		return nil, err
	}
	return &UniswapV2{
		caller: caller,
		pool:   common.HexToAddress(poolAddress),
		invert: invert,
		abi:    parsed,
	}, nil
}

func (u *UniswapV2) Name() string { return "uniswapv2" }

// Reserves returns the pair's raw reserves at the latest block.
func (u *UniswapV2) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	input, err := u.abi.Pack("getReserves")
	if err != nil {
		return nil, nil, err
	}
	out, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &u.pool, Data: input}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("uniswapv2 getReserves %s: %w", u.pool.Hex(), err)
	}
	values, err := u.abi.Unpack("getReserves", out)
	if err != nil {
		return nil, nil, fmt.Errorf("uniswapv2 unpack: %w", err)
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("uniswapv2 unpack: got %d values", len(values))
	}
	r0, ok0 := values[0].(*big.Int)
	r1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("uniswapv2 unpack: unexpected reserve types %T, %T", values[0], values[1])
	}
	return r0, r1, nil
}

func (u *UniswapV2) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	r0, r1, err := u.Reserves(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	num, den := r1, r0
	if u.invert {
		num, den = r0, r1
	}
	if den.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("uniswapv2 %s: zero reserve", u.pool.Hex())
	}
	return decimal.NewFromBigInt(num, 0).DivRound(decimal.NewFromBigInt(den, 0), uniswapPricePrecision), nil
}

func (u *UniswapV2) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	return nil, fmt.Errorf("uniswapv2: %w", core.ErrCandlesUnsupported)
}

const uniswapV3PoolABI = `[{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}]`

// q192 is 2^192, the square of the Q64.96 fixed-point unit.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// UniswapV3 prices a concentrated-liquidity pool from slot0's sqrtPriceX96:
// token1 per token0 is sqrtPriceX96^2 / 2^192, inverted when Invert is set.
type UniswapV3 struct {
	caller ContractCaller
	pool   common.Address
	invert bool
	abi    abi.ABI
}

// DialUniswapV3 connects to opts.RPCURL.
func DialUniswapV3(opts Options) (*UniswapV3, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("uniswapv3: rpc url required")
	}
	client, err := ethclient.Dial(opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("uniswapv3 dial: %w", err)
	}
	return NewUniswapV3(client, opts.PoolAddress, opts.Invert)
}

func NewUniswapV3(caller ContractCaller, poolAddress string, invert bool) (*UniswapV3, error) {
	if !common.IsHexAddress(poolAddress) {
		return nil, fmt.Errorf("uniswapv3: invalid pool address %q", poolAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(uniswapV3PoolABI))
	if err != nil {
		return nil, err
	}
	return &UniswapV3{
		caller: caller,
		pool:   common.HexToAddress(poolAddress),
		invert: invert,
		abi:    parsed,
	}, nil
}

func (u *UniswapV3) Name() string { return "uniswapv3" }

// SqrtPriceX96 returns slot0's sqrtPriceX96 at the latest block.
func (u *UniswapV3) SqrtPriceX96(ctx context.Context) (*big.Int, error) {
	input, err := u.abi.Pack("slot0")
	if err != nil {
		return nil, err
	}
	out, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &u.pool, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("uniswapv3 slot0 %s: %w", u.pool.Hex(), err)
	}
	values, err := u.abi.Unpack("slot0", out)
	if err != nil {
		return nil, fmt.Errorf("uniswapv3 unpack: %w", err)
	}
	if len(values) == 0 {
		return nil, errors.New("uniswapv3 unpack: empty slot0")
	}
	sqrtPrice, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("uniswapv3 unpack: unexpected sqrtPriceX96 type %T", values[0])
	}
	return sqrtPrice, nil
}

func (u *UniswapV3) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sqrtPrice, err := u.SqrtPriceX96(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if sqrtPrice.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("uniswapv3 %s: pool not initialized", u.pool.Hex())
	}
	num := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	den := q192
	if u.invert {
		num, den = den, num
	}
	return decimal.NewFromBigInt(num, 0).DivRound(decimal.NewFromBigInt(den, 0), uniswapPricePrecision), nil
}

func (u *UniswapV3) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	return nil, fmt.Errorf("uniswapv3: %w", core.ErrCandlesUnsupported)
}
