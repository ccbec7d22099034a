package state

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/assessor"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
)

var ledgerKey = []byte("pool/ledger/v1")

// addressFromKey reverses crypto.Address.Key, which joins the prefix and the
// 20 raw bytes with a slash.
func addressFromKey(key string) (crypto.Address, error) {
	i := strings.IndexByte(key, '/')
	if i < 0 || len(key)-i-1 != 20 {
		return crypto.Address{}, fmt.Errorf("malformed account key %q", key)
	}
	return crypto.NewAddress(crypto.AddressPrefix(key[:i]), []byte(key[i+1:])), nil
}

// The RLP records convert uint256 amounts through *big.Int and addresses
// through their bech32 form. Slices are sorted so the encoding is
// deterministic.

type metaRecord struct {
	Class             uint8
	TotalSupply       *big.Int
	TotalRedeem       *big.Int
	LastEpochExecuted uint64
	WaitingForUpdate  bool
	RequestedCurrency *big.Int
	RedemptionOwed    *big.Int
}

type orderRecord struct {
	Class          uint8
	Investor       string
	OrderedInEpoch uint64
	SupplyCurrency *big.Int
	RedeemToken    *big.Int
}

type epochRecord struct {
	Class             uint8
	ID                uint64
	SupplyFulfillment *big.Int
	RedeemFulfillment *big.Int
	TokenPrice        *big.Int
	SupplyOrdered     *big.Int
	RedeemOrdered     *big.Int
}

type accountRecord struct {
	Address         string
	BalanceCurrency *big.Int
	BalanceSenior   *big.Int
	BalanceJunior   *big.Int
}

type supplyRecord struct {
	Token  uint8
	Supply *big.Int
}

type coordinatorRecord struct {
	CurrentEpoch           uint64
	LastEpochClosed        uint64
	LastEpochExecuted      uint64
	SubmissionPeriod       bool
	PoolClosing            bool
	EpochNAV               *big.Int
	EpochReserve           *big.Int
	EpochSeniorAsset       *big.Int
	EpochSeniorTokenPrice  *big.Int
	EpochJuniorTokenPrice  *big.Int
	OrderSeniorRedeem      *big.Int
	OrderJuniorRedeem      *big.Int
	OrderSeniorSupply      *big.Int
	OrderJuniorSupply      *big.Int
	HasBestSubmission      bool
	BestSeniorRedeem       *big.Int
	BestJuniorRedeem       *big.Int
	BestSeniorSupply       *big.Int
	BestJuniorSupply       *big.Int
	BestSubScore           *big.Int
	GotFullValidSolution   bool
	MinChallengePeriodEnd  uint64
	BestRatioImprovement   *big.Int
	BestReserveImprovement *big.Int
}

type assessorRecord struct {
	SeniorDebt        *big.Int
	SeniorBalance     *big.Int
	SeniorRatio       *big.Int
	MinSeniorRatio    *big.Int
	MaxSeniorRatio    *big.Int
	MaxReserve        *big.Int
	BorrowAmountEpoch *big.Int
}

type ledgerRecord struct {
	Metas        []metaRecord
	Orders       []orderRecord
	Epochs       []epochRecord
	Accounts     []accountRecord
	Supplies     []supplyRecord
	Coordinators []coordinatorRecord
	Assessors    []assessorRecord
	NAVs         []*big.Int
	Paused       []string
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return uint256.NewInt(0), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount %s exceeds 256 bits", v)
	}
	return out, nil
}

func (l *Ledger) encode() ([]byte, error) {
	rec := ledgerRecord{}

	for class, meta := range l.metas {
		meta.Normalize()
		rec.Metas = append(rec.Metas, metaRecord{
			Class:             uint8(class),
			TotalSupply:       toBig(meta.TotalSupply),
			TotalRedeem:       toBig(meta.TotalRedeem),
			LastEpochExecuted: meta.LastEpochExecuted,
			WaitingForUpdate:  meta.WaitingForUpdate,
			RequestedCurrency: toBig(meta.RequestedCurrency),
			RedemptionOwed:    toBig(meta.RedemptionOwed),
		})
	}
	sort.Slice(rec.Metas, func(i, j int) bool { return rec.Metas[i].Class < rec.Metas[j].Class })

	for class, orders := range l.orders {
		for _, order := range orders {
			order.Normalize()
			rec.Orders = append(rec.Orders, orderRecord{
				Class:          uint8(class),
				Investor:       order.Investor.String(),
				OrderedInEpoch: order.OrderedInEpoch,
				SupplyCurrency: toBig(order.SupplyCurrency),
				RedeemToken:    toBig(order.RedeemToken),
			})
		}
	}
	sort.Slice(rec.Orders, func(i, j int) bool {
		if rec.Orders[i].Class != rec.Orders[j].Class {
			return rec.Orders[i].Class < rec.Orders[j].Class
		}
		return rec.Orders[i].Investor < rec.Orders[j].Investor
	})

	for class, epochs := range l.epochs {
		for id, epoch := range epochs {
			epoch.Normalize()
			rec.Epochs = append(rec.Epochs, epochRecord{
				Class:             uint8(class),
				ID:                id,
				SupplyFulfillment: toBig(epoch.SupplyFulfillment),
				RedeemFulfillment: toBig(epoch.RedeemFulfillment),
				TokenPrice:        toBig(epoch.TokenPrice),
				SupplyOrdered:     toBig(epoch.SupplyOrdered),
				RedeemOrdered:     toBig(epoch.RedeemOrdered),
			})
		}
	}
	sort.Slice(rec.Epochs, func(i, j int) bool {
		if rec.Epochs[i].Class != rec.Epochs[j].Class {
			return rec.Epochs[i].Class < rec.Epochs[j].Class
		}
		return rec.Epochs[i].ID < rec.Epochs[j].ID
	})

	for key, acc := range l.accounts {
		acc.Normalize()
		addr, err := addressFromKey(key)
		if err != nil {
			return nil, err
		}
		rec.Accounts = append(rec.Accounts, accountRecord{
			Address:         addr.String(),
			BalanceCurrency: toBig(acc.BalanceCurrency),
			BalanceSenior:   toBig(acc.BalanceSenior),
			BalanceJunior:   toBig(acc.BalanceJunior),
		})
	}
	sort.Slice(rec.Accounts, func(i, j int) bool { return rec.Accounts[i].Address < rec.Accounts[j].Address })

	for tok, supply := range l.supplies {
		rec.Supplies = append(rec.Supplies, supplyRecord{Token: uint8(tok), Supply: toBig(supply)})
	}
	sort.Slice(rec.Supplies, func(i, j int) bool { return rec.Supplies[i].Token < rec.Supplies[j].Token })

	if l.coord != nil {
		st := l.coord.Clone()
		cr := coordinatorRecord{
			CurrentEpoch:           st.CurrentEpoch,
			LastEpochClosed:        uint64(st.LastEpochClosed),
			LastEpochExecuted:      st.LastEpochExecuted,
			SubmissionPeriod:       st.SubmissionPeriod,
			PoolClosing:            st.PoolClosing,
			EpochNAV:               toBig(st.EpochNAV),
			EpochReserve:           toBig(st.EpochReserve),
			EpochSeniorAsset:       toBig(st.EpochSeniorAsset),
			EpochSeniorTokenPrice:  toBig(st.EpochSeniorTokenPrice),
			EpochJuniorTokenPrice:  toBig(st.EpochJuniorTokenPrice),
			OrderSeniorRedeem:      toBig(st.Order.SeniorRedeem),
			OrderJuniorRedeem:      toBig(st.Order.JuniorRedeem),
			OrderSeniorSupply:      toBig(st.Order.SeniorSupply),
			OrderJuniorSupply:      toBig(st.Order.JuniorSupply),
			BestSeniorRedeem:       new(big.Int),
			BestJuniorRedeem:       new(big.Int),
			BestSeniorSupply:       new(big.Int),
			BestJuniorSupply:       new(big.Int),
			BestSubScore:           toBig(st.BestSubScore),
			GotFullValidSolution:   st.GotFullValidSolution,
			MinChallengePeriodEnd:  uint64(st.MinChallengePeriodEnd),
			BestRatioImprovement:   toBig(st.BestRatioImprovement),
			BestReserveImprovement: toBig(st.BestReserveImprovement),
		}
		if st.BestSubmission != nil {
			cr.HasBestSubmission = true
			cr.BestSeniorRedeem = toBig(st.BestSubmission.SeniorRedeem)
			cr.BestJuniorRedeem = toBig(st.BestSubmission.JuniorRedeem)
			cr.BestSeniorSupply = toBig(st.BestSubmission.SeniorSupply)
			cr.BestJuniorSupply = toBig(st.BestSubmission.JuniorSupply)
		}
		rec.Coordinators = []coordinatorRecord{cr}
	}

	if l.assessor != nil {
		st := l.assessor.Clone()
		rec.Assessors = []assessorRecord{{
			SeniorDebt:        toBig(st.SeniorDebt),
			SeniorBalance:     toBig(st.SeniorBalance),
			SeniorRatio:       toBig(st.SeniorRatio),
			MinSeniorRatio:    toBig(st.MinSeniorRatio),
			MaxSeniorRatio:    toBig(st.MaxSeniorRatio),
			MaxReserve:        toBig(st.MaxReserve),
			BorrowAmountEpoch: toBig(st.BorrowAmountEpoch),
		}}
	}

	if l.nav != nil {
		rec.NAVs = []*big.Int{toBig(l.nav)}
	}

	for module, paused := range l.paused {
		if paused {
			rec.Paused = append(rec.Paused, module)
		}
	}
	sort.Strings(rec.Paused)

	return rlp.EncodeToBytes(rec)
}

func (l *Ledger) decode(blob []byte) error {
	var rec ledgerRecord
	if err := rlp.DecodeBytes(blob, &rec); err != nil {
		return err
	}

	for _, m := range rec.Metas {
		totalSupply, err := fromBig(m.TotalSupply)
		if err != nil {
			return err
		}
		totalRedeem, err := fromBig(m.TotalRedeem)
		if err != nil {
			return err
		}
		requested, err := fromBig(m.RequestedCurrency)
		if err != nil {
			return err
		}
		owed, err := fromBig(m.RedemptionOwed)
		if err != nil {
			return err
		}
		l.metas[tranche.Class(m.Class)] = &tranche.Meta{
			TotalSupply:       totalSupply,
			TotalRedeem:       totalRedeem,
			LastEpochExecuted: m.LastEpochExecuted,
			WaitingForUpdate:  m.WaitingForUpdate,
			RequestedCurrency: requested,
			RedemptionOwed:    owed,
		}
	}

	for _, o := range rec.Orders {
		investor, err := crypto.DecodeAddress(o.Investor)
		if err != nil {
			return err
		}
		supplyCurrency, err := fromBig(o.SupplyCurrency)
		if err != nil {
			return err
		}
		redeemToken, err := fromBig(o.RedeemToken)
		if err != nil {
			return err
		}
		class := tranche.Class(o.Class)
		if l.orders[class] == nil {
			l.orders[class] = make(map[string]*tranche.Order)
		}
		l.orders[class][investor.Key()] = &tranche.Order{
			Investor:       investor,
			OrderedInEpoch: o.OrderedInEpoch,
			SupplyCurrency: supplyCurrency,
			RedeemToken:    redeemToken,
		}
	}

	for _, e := range rec.Epochs {
		supplyF, err := fromBig(e.SupplyFulfillment)
		if err != nil {
			return err
		}
		redeemF, err := fromBig(e.RedeemFulfillment)
		if err != nil {
			return err
		}
		price, err := fromBig(e.TokenPrice)
		if err != nil {
			return err
		}
		supplyOrdered, err := fromBig(e.SupplyOrdered)
		if err != nil {
			return err
		}
		redeemOrdered, err := fromBig(e.RedeemOrdered)
		if err != nil {
			return err
		}
		class := tranche.Class(e.Class)
		if l.epochs[class] == nil {
			l.epochs[class] = make(map[uint64]*tranche.Epoch)
		}
		l.epochs[class][e.ID] = &tranche.Epoch{
			SupplyFulfillment: supplyF,
			RedeemFulfillment: redeemF,
			TokenPrice:        price,
			SupplyOrdered:     supplyOrdered,
			RedeemOrdered:     redeemOrdered,
		}
	}

	for _, a := range rec.Accounts {
		addr, err := crypto.DecodeAddress(a.Address)
		if err != nil {
			return err
		}
		currency, err := fromBig(a.BalanceCurrency)
		if err != nil {
			return err
		}
		senior, err := fromBig(a.BalanceSenior)
		if err != nil {
			return err
		}
		junior, err := fromBig(a.BalanceJunior)
		if err != nil {
			return err
		}
		l.accounts[addr.Key()] = &types.Account{
			BalanceCurrency: currency,
			BalanceSenior:   senior,
			BalanceJunior:   junior,
		}
	}

	for _, s := range rec.Supplies {
		supply, err := fromBig(s.Supply)
		if err != nil {
			return err
		}
		l.supplies[types.Token(s.Token)] = supply
	}

	if len(rec.Coordinators) > 0 {
		cr := rec.Coordinators[0]
		st := &coordinator.State{
			CurrentEpoch:          cr.CurrentEpoch,
			LastEpochClosed:       int64(cr.LastEpochClosed),
			LastEpochExecuted:     cr.LastEpochExecuted,
			SubmissionPeriod:      cr.SubmissionPeriod,
			PoolClosing:           cr.PoolClosing,
			GotFullValidSolution:  cr.GotFullValidSolution,
			MinChallengePeriodEnd: int64(cr.MinChallengePeriodEnd),
		}
		var err error
		if st.EpochNAV, err = fromBig(cr.EpochNAV); err != nil {
			return err
		}
		if st.EpochReserve, err = fromBig(cr.EpochReserve); err != nil {
			return err
		}
		if st.EpochSeniorAsset, err = fromBig(cr.EpochSeniorAsset); err != nil {
			return err
		}
		if st.EpochSeniorTokenPrice, err = fromBig(cr.EpochSeniorTokenPrice); err != nil {
			return err
		}
		if st.EpochJuniorTokenPrice, err = fromBig(cr.EpochJuniorTokenPrice); err != nil {
			return err
		}
		order := &coordinator.OrderSummary{}
		if order.SeniorRedeem, err = fromBig(cr.OrderSeniorRedeem); err != nil {
			return err
		}
		if order.JuniorRedeem, err = fromBig(cr.OrderJuniorRedeem); err != nil {
			return err
		}
		if order.SeniorSupply, err = fromBig(cr.OrderSeniorSupply); err != nil {
			return err
		}
		if order.JuniorSupply, err = fromBig(cr.OrderJuniorSupply); err != nil {
			return err
		}
		st.Order = order
		if cr.HasBestSubmission {
			best := &coordinator.Submission{}
			if best.SeniorRedeem, err = fromBig(cr.BestSeniorRedeem); err != nil {
				return err
			}
			if best.JuniorRedeem, err = fromBig(cr.BestJuniorRedeem); err != nil {
				return err
			}
			if best.SeniorSupply, err = fromBig(cr.BestSeniorSupply); err != nil {
				return err
			}
			if best.JuniorSupply, err = fromBig(cr.BestJuniorSupply); err != nil {
				return err
			}
			st.BestSubmission = best
		}
		if st.BestSubScore, err = fromBig(cr.BestSubScore); err != nil {
			return err
		}
		if st.BestRatioImprovement, err = fromBig(cr.BestRatioImprovement); err != nil {
			return err
		}
		if st.BestReserveImprovement, err = fromBig(cr.BestReserveImprovement); err != nil {
			return err
		}
		l.coord = st.Normalize()
	}

	if len(rec.Assessors) > 0 {
		ar := rec.Assessors[0]
		st := &assessor.State{}
		var err error
		if st.SeniorDebt, err = fromBig(ar.SeniorDebt); err != nil {
			return err
		}
		if st.SeniorBalance, err = fromBig(ar.SeniorBalance); err != nil {
			return err
		}
		if st.SeniorRatio, err = fromBig(ar.SeniorRatio); err != nil {
			return err
		}
		if st.MinSeniorRatio, err = fromBig(ar.MinSeniorRatio); err != nil {
			return err
		}
		if st.MaxSeniorRatio, err = fromBig(ar.MaxSeniorRatio); err != nil {
			return err
		}
		if st.MaxReserve, err = fromBig(ar.MaxReserve); err != nil {
			return err
		}
		if st.BorrowAmountEpoch, err = fromBig(ar.BorrowAmountEpoch); err != nil {
			return err
		}
		l.assessor = st
	}

	if len(rec.NAVs) > 0 {
		nav, err := fromBig(rec.NAVs[0])
		if err != nil {
			return err
		}
		l.nav = nav
	}

	for _, module := range rec.Paused {
		l.paused[module] = true
	}

	return nil
}
