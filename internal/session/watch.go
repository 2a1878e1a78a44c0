package session

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/forkwallet/internal/balance"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
)

// watchContext returns the context bounding ow's watchers, or an error
// when ow is no longer the open wallet.
func (s *Session) watchContext(ow *openWallet) (context.Context, error) {
	if !s.relevant(ow.gen)() || ow.ctx.Err() != nil {
		return nil, ErrWalletSwitched
	}
	return ow.ctx, nil
}

// watch subscribes to address and consumes its updates until watchCtx
// ends. ctx bounds only the subscribe request.
func (s *Session) watch(ctx, watchCtx context.Context, ow *openWallet, address string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	sh, err := electrum.AddressScriptHash(address, s.net.Chain)
	if err != nil {
		return err
	}
	sub, err := s.client.Subscribe(ctx, sh)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", address, err)
	}
	ow.mu.Lock()
	ow.subs = append(ow.subs, sub)
	ow.mu.Unlock()
	if sub.Polling() {
		ow.log.Warn().Str("address", address).Msg("Server refused subscription, polling balance")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(watchCtx, ow, address, sub)
	}()
	return nil
}

// consume handles updates for one address. Every update triggers a
// history sync; polling updates carry the balance themselves.
func (s *Session) consume(ctx context.Context, ow *openWallet, address string, sub *electrum.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				ow.log.Debug().Str("address", address).Msg("Subscription closed")
				return
			}
			if !s.relevant(ow.gen)() {
				return
			}
			if u.UseFallback && u.Balance != nil {
				s.balances.Set(address, balance.Entry{
					Confirmed:   u.Balance.Confirmed,
					Unconfirmed: u.Balance.Unconfirmed,
					Source:      balance.SourceProtocol,
				})
			}
			if err := s.refresh(ctx, ow, address); err != nil && ctx.Err() == nil {
				ow.log.Warn().Err(err).Str("address", address).Msg("Sync after notification failed")
			}
		}
	}
}
