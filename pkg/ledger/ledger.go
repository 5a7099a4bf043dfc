// Package ledger keeps per-(user, asset) available and locked balances.
//
// Every mutation carries a unique reference and is applied at most once: a
// replayed reference is a silent no-op. Debits are conditional, so no
// combination of concurrent callers can drive a balance negative.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/errs"
)

var (
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient balance", errs.ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive", errs.ErrValidation)
)

type Balance struct {
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

func (b Balance) Total() int64 { return b.Available + b.Locked }

type Ledger interface {
	Balance(ctx context.Context, user, asset string) (Balance, error)
	Balances(ctx context.Context, user string) ([]Balance, error)

	// Credit adds to available (confirmed deposit).
	Credit(ctx context.Context, ref, user, asset string, amount int64) error
	// Lock moves available to locked (order or withdrawal reservation).
	Lock(ctx context.Context, ref, user, asset string, amount int64) error
	// Unlock moves locked back to available (cancel, rollback).
	Unlock(ctx context.Context, ref, user, asset string, amount int64) error
	// DebitLocked removes locked funds (confirmed withdrawal).
	DebitLocked(ctx context.Context, ref, user, asset string, amount int64) error
	// SettleTrade moves the locked side of both orders to the counterparties.
	SettleTrade(ctx context.Context, t TradeSettlement) error
}

// Posting is a signed change to one balance row.
type Posting struct {
	User      string
	Asset     string
	Available int64
	Locked    int64
}

// TradeSettlement describes one trade in ledger terms. Price and BuyerLimit
// are ticks, Size is lots; BuyerFee is charged in base, SellerFee in quote.
type TradeSettlement struct {
	Ref        string
	Buyer      string
	Seller     string
	FeeAccount string
	Base       string
	Quote      string
	Price      int64
	Size       int64
	BuyerLimit int64
	BuyerFee   int64
	SellerFee  int64
}

// Postings expands the trade. The buyer reserved BuyerLimit*Size quote and
// the seller Size base when their orders were placed; the difference between
// the limit and the execution price goes back to the buyer.
func (t TradeSettlement) Postings() ([]Posting, error) {
	if t.Size <= 0 || t.Price <= 0 || t.BuyerLimit < t.Price {
		return nil, errs.Validation("bad trade settlement %s: %d@%d limit %d", t.Ref, t.Size, t.Price, t.BuyerLimit)
	}
	notional, ok := market.Notional(t.Price, t.Size)
	reserved, ok2 := market.Notional(t.BuyerLimit, t.Size)
	if !ok || !ok2 {
		return nil, errs.Validation("trade settlement %s overflows", t.Ref)
	}
	if t.BuyerFee < 0 || t.BuyerFee > t.Size || t.SellerFee < 0 || t.SellerFee > notional {
		return nil, errs.Validation("trade settlement %s fees out of range", t.Ref)
	}

	return mergePostings([]Posting{
		{User: t.Buyer, Asset: t.Quote, Available: reserved - notional, Locked: -reserved},
		{User: t.Buyer, Asset: t.Base, Available: t.Size - t.BuyerFee},
		{User: t.Seller, Asset: t.Base, Locked: -t.Size},
		{User: t.Seller, Asset: t.Quote, Available: notional - t.SellerFee},
		{User: t.FeeAccount, Asset: t.Base, Available: t.BuyerFee},
		{User: t.FeeAccount, Asset: t.Quote, Available: t.SellerFee},
	}), nil
}

func single(user, asset string, available, locked int64) []Posting {
	return []Posting{{User: user, Asset: asset, Available: available, Locked: locked}}
}

func creditPostings(user, asset string, amount int64) []Posting { return single(user, asset, amount, 0) }
func lockPostings(user, asset string, amount int64) []Posting   { return single(user, asset, -amount, amount) }
func unlockPostings(user, asset string, amount int64) []Posting { return single(user, asset, amount, -amount) }
func debitPostings(user, asset string, amount int64) []Posting  { return single(user, asset, 0, -amount) }

// mergePostings folds postings on the same row (self-trades) and drops
// zero rows. Output is sorted so concurrent transactions lock rows in the
// same order.
func mergePostings(ps []Posting) []Posting {
	type key struct{ user, asset string }
	idx := make(map[key]int)
	var out []Posting
	for _, p := range ps {
		k := key{p.User, p.Asset}
		if i, ok := idx[k]; ok {
			out[i].Available += p.Available
			out[i].Locked += p.Locked
			continue
		}
		idx[k] = len(out)
		out = append(out, p)
	}

	kept := out[:0]
	for _, p := range out {
		if p.Available != 0 || p.Locked != 0 {
			kept = append(kept, p)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].User != kept[j].User {
			return kept[i].User < kept[j].User
		}
		return kept[i].Asset < kept[j].Asset
	})
	return kept
}

func checkAmount(ref string, amount int64) error {
	if ref == "" {
		return errs.Validation("ledger reference required")
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

func insufficient(p Posting, have Balance) error {
	if have.Available+p.Available < 0 {
		return fmt.Errorf("%w: %s %s available have %d, need %d", ErrInsufficientFunds, p.User, p.Asset, have.Available, -p.Available)
	}
	return fmt.Errorf("%w: %s %s locked have %d, need %d", ErrInsufficientFunds, p.User, p.Asset, have.Locked, -p.Locked)
}
