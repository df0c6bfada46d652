package lending

import (
	"fmt"
	"math/big"

	"moneymarket/core/events"
	"moneymarket/crypto"
)

// FlashReceiver is called synchronously while a flash draw is outstanding.
// It must return amount plus fee to the ledger's custody account before
// returning nil.
type FlashReceiver interface {
	OnFlashDraw(ledger *MarketLedger, amount, fee *big.Int) error
}

// FlashReceiverFunc adapts a function to FlashReceiver.
type FlashReceiverFunc func(ledger *MarketLedger, amount, fee *big.Int) error

// OnFlashDraw implements FlashReceiver.
func (f FlashReceiverFunc) OnFlashDraw(ledger *MarketLedger, amount, fee *big.Int) error {
	return f(ledger, amount, fee)
}

// FlashDraw lends amount to receiver for the duration of the callback. The
// ledger stays locked while the callback runs. If the callback fails, panics
// or leaves cash short of amount plus fee, nothing the draw or the callback
// did survives. Returns the fee charged.
func (l *MarketLedger) FlashDraw(receiver crypto.Address, callback FlashReceiver, amount *big.Int) (*big.Int, error) {
	if err := l.reg.checkAction(ActionFlash, true); err != nil {
		return nil, err
	}
	if err := l.lock.Enter(); err != nil {
		return nil, err
	}
	defer l.lock.Exit()
	var fee *big.Int
	err := l.reg.transact(ActionFlash, func() error {
		if receiver.IsZero() {
			return ErrInvalidAddress
		}
		if callback == nil {
			return fmt.Errorf("%w: callback required", ErrFlashCallbackFailed)
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		market, err := l.accrue()
		if err != nil {
			return err
		}
		cashBefore, err := l.Cash()
		if err != nil {
			return err
		}
		if cashBefore.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		fee = WadMul(amount, market.FlashFeeRate, RoundUp)
		if err := l.reg.bank.transfer(l.asset, l.custody, receiver, amount); err != nil {
			return err
		}
		l.drawCash = cloneInt(cashBefore)
		err = invokeFlash(callback, l, cloneInt(amount), cloneInt(fee))
		l.drawCash = nil
		if err != nil {
			return err
		}
		cashAfter, err := l.Cash()
		if err != nil {
			return err
		}
		required := new(big.Int).Add(cashBefore, fee)
		if cashAfter.Cmp(required) < 0 {
			return fmt.Errorf("%w: cash %s below %s", ErrFlashRepaymentShort, cashAfter, required)
		}
		protocolFee := WadMul(fee, market.FlashProtocolShare, RoundDown)
		if protocolFee.Sign() > 0 {
			treasury, err := l.reg.treasury()
			if err != nil {
				return err
			}
			if treasury.IsZero() {
				protocolFee = big.NewInt(0)
			} else if err := l.reg.bank.transfer(l.asset, l.custody, treasury, protocolFee); err != nil {
				return err
			}
		}
		l.reg.touch(l.asset)
		l.reg.emit(events.FlashDrawn{
			Receiver:    receiver,
			Asset:       l.asset,
			Amount:      cloneInt(amount),
			Fee:         cloneInt(fee),
			ProtocolFee: protocolFee,
			BorrowIndex: cloneInt(market.BorrowIndex),
			Tick:        l.reg.tick,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fee, nil
}

func invokeFlash(callback FlashReceiver, ledger *MarketLedger, amount, fee *big.Int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrFlashCallbackFailed, rec)
		}
	}()
	if cbErr := callback.OnFlashDraw(ledger, amount, fee); cbErr != nil {
		return fmt.Errorf("%w: %w", ErrFlashCallbackFailed, cbErr)
	}
	return nil
}
