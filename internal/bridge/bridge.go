// Package bridge applies accepted push updates to the durable local records
// and rebroadcasts them as local application events.
package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/events"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

// RecordStore is one local representation of the user record.
// UpdateTokenBalance reports false when the representation has no record.
type RecordStore interface {
	Name() string
	UpdateTokenBalance(ctx context.Context, balance int64) (bool, error)
}

// Bridge fans accepted updates out to stores and bus listeners.
type Bridge struct {
	bus    *events.Bus
	stores []RecordStore
	logger zerolog.Logger
}

// New creates a Bridge over the given stores.
func New(bus *events.Bus, stores ...RecordStore) *Bridge {
	return &Bridge{
		bus:    bus,
		stores: stores,
		logger: xglog.WithComponent("bridge"),
	}
}

// Bus returns the bus updates are published on.
func (b *Bridge) Bus() *events.Bus { return b.bus }

// ApplyTokenUpdate writes the new balance into every store that holds a
// record, then publishes tokens-updated. Updates are last-write-wins by
// arrival order. It returns the number of stores updated.
func (b *Bridge) ApplyTokenUpdate(ctx context.Context, upd model.TokenUpdate) int {
	applied := 0
	for _, s := range b.stores {
		ok, err := s.UpdateTokenBalance(ctx, upd.NewBalance)
		if err != nil {
			// One broken representation must not block the others.
			b.logger.Warn().Err(err).
				Str("store", s.Name()).
				Msg("failed to update token balance")
			continue
		}
		if ok {
			applied++
		}
	}

	b.logger.Debug().
		Int64("new_balance", upd.NewBalance).
		Int("stores", applied).
		Msg("token balance applied")

	b.bus.Tokens.Publish(model.TokensUpdated{
		NewBalance:    upd.NewBalance,
		TokensCharged: upd.Cost,
	})
	return applied
}

// PublishJobUpdate rebroadcasts a job update as job-updated.
func (b *Bridge) PublishJobUpdate(upd model.JobUpdate) {
	b.bus.Jobs.Publish(upd)
}
