package pulse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/HerbHall/miningops/pkg/plugin"
)

// Registration sources.
const (
	SourceConfig    = "config"
	SourceAPI       = "api"
	SourceDiscovery = "discovery"
)

// MinerRecord is a persisted pull-miner registration.
type MinerRecord struct {
	Address netip.Addr `json:"address"`
	Source  string     `json:"source"`
	AddedAt time.Time  `json:"added_at"`
}

// MinerStore persists the registered pull-miner set so registrations made
// at runtime survive a restart.
type MinerStore struct {
	db *sql.DB
}

// NewMinerStore creates a store over a migrated database.
func NewMinerStore(db *sql.DB) *MinerStore {
	return &MinerStore{db: db}
}

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create pulse_miners table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE pulse_miners (
						address  TEXT PRIMARY KEY,
						source   TEXT NOT NULL,
						added_at DATETIME NOT NULL
					)`)
				return err
			},
		},
	}
}

// Save records addr. Saving an address that is already stored keeps the
// original record.
func (s *MinerStore) Save(ctx context.Context, rec MinerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pulse_miners (address, source, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		rec.Address.String(), rec.Source, rec.AddedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save miner %s: %w", rec.Address, err)
	}
	return nil
}

// Delete removes addr and reports whether it was stored.
func (s *MinerStore) Delete(ctx context.Context, addr netip.Addr) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pulse_miners WHERE address = ?", addr.String())
	if err != nil {
		return false, fmt.Errorf("delete miner %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete miner %s: %w", addr, err)
	}
	return n > 0, nil
}

// List returns every stored miner ordered by address.
func (s *MinerStore) List(ctx context.Context) ([]MinerRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT address, source, added_at FROM pulse_miners")
	if err != nil {
		return nil, fmt.Errorf("list miners: %w", err)
	}
	defer rows.Close()

	var out []MinerRecord
	for rows.Next() {
		var (
			raw string
			rec MinerRecord
		)
		if err := rows.Scan(&raw, &rec.Source, &rec.AddedAt); err != nil {
			return nil, fmt.Errorf("scan miner: %w", err)
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("stored miner %q: %w", raw, ErrInvalidAddress), err)
		}
		rec.Address = addr
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list miners: %w", err)
	}
	slices.SortFunc(out, func(a, b MinerRecord) int {
		return a.Address.Compare(b.Address)
	})
	return out, nil
}
