package deriver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

// AddressDeriver derives one user's deposit address on one chain.
type AddressDeriver interface {
	Derive(userId models.UserId) (string, error)
}

// LatestUserIdSource is the slice of the Zex API the registry needs.
type LatestUserIdSource interface {
	LatestUserId(ctx context.Context) (models.UserId, error)
}

// Registry maps Zex user ids onto per-chain deposit addresses and keeps
// the stored mapping in step with Zex's user counter.
type Registry struct {
	database *db.DB
	zex      LatestUserIdSource
	derivers map[string]AddressDeriver
}

// NewRegistry builds a registry with one deriver per configured chain.
func NewRegistry(database *db.DB, zex LatestUserIdSource, cfg *config.Config) (*Registry, error) {
	derivers := make(map[string]AddressDeriver, len(cfg.ChainConfigs()))
	for symbol, chain := range cfg.ChainConfigs() {
		switch chain.Kind {
		case models.ChainKindEVM:
			d, err := NewEVMDeriver(cfg.UserDeposit.FactoryAddress, cfg.UserDeposit.BytecodeHash)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", symbol, err)
			}
			derivers[symbol] = d
		case models.ChainKindBTC:
			d, err := NewBTCDeriver(chain.GroupPubKey, NetworkParams(cfg.BTCNetwork))
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", symbol, err)
			}
			derivers[symbol] = d
		}
	}
	return &Registry{database: database, zex: zex, derivers: derivers}, nil
}

// Derive computes the Nth user's deposit address on a chain.
func (r *Registry) Derive(chainSymbol string, userId models.UserId) (string, error) {
	d, ok := r.derivers[chainSymbol]
	if !ok {
		return "", fmt.Errorf("no deriver for chain %q", chainSymbol)
	}
	return d.Derive(userId)
}

// Sync fetches Zex's highest-known user id and fills in any missing
// address rows for the chain. A Zex failure is returned for logging but
// must never abort the caller's loop; the insert itself is idempotent
// under concurrent calls.
func (r *Registry) Sync(ctx context.Context, chainSymbol string) error {
	latest, err := r.zex.LatestUserId(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest user id: %w", err)
	}

	next := models.UserId(0)
	if max, ok, err := r.database.MaxUserId(chainSymbol); err != nil {
		return err
	} else if ok {
		next = max + 1
	}
	if next > latest {
		return nil
	}

	addresses := make([]models.UserAddress, 0, latest-next+1)
	for userId := next; userId <= latest; userId++ {
		address, err := r.Derive(chainSymbol, userId)
		if err != nil {
			return fmt.Errorf("derive address for user %d: %w", userId, err)
		}
		addresses = append(addresses, models.UserAddress{
			UserId:      userId,
			ChainSymbol: chainSymbol,
			Address:     address,
		})
	}

	if err := r.database.InsertUserAddressesIfNotExist(addresses); err != nil {
		return err
	}

	slog.Info("user addresses synced",
		"chain", chainSymbol,
		"from", next,
		"to", latest,
	)
	return nil
}

// ActiveAddresses returns the chain's address -> user id snapshot.
func (r *Registry) ActiveAddresses(chainSymbol string) (map[string]models.UserId, error) {
	return r.database.ActiveAddresses(chainSymbol)
}
