// Package peerstore caches the last-known peer list per torrent in
// sqlite, so a restart has dial candidates before the first tracker
// announce completes. Piece state is never cached here: that is always
// rebuilt from the hashes on disk, so this only needs to remember peers.
package peerstore

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// CachedPeer is one row of the peer cache, keyed by (InfoHash, IP, Port).
type CachedPeer struct {
	ID       uint   `gorm:"primaryKey"`
	InfoHash string `gorm:"index:idx_peer_lookup"`
	PeerID   string
	IP       string `gorm:"index:idx_peer_lookup"`
	Port     int    `gorm:"index:idx_peer_lookup"`
	IsSeeder bool
	SeenAt   int64
}

// Store wraps a gorm/sqlite connection.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates the CachedPeer table.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CachedPeer{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert records or refreshes one peer's info for infoHash (hex-encoded).
func (s *Store) Upsert(infoHash, peerID, ip string, port int, isSeeder bool, now time.Time) error {
	existing := &CachedPeer{}
	result := s.db.Where("info_hash = ? AND ip = ? AND port = ?", infoHash, ip, port).First(existing)
	if result.Error == nil {
		existing.PeerID = peerID
		existing.IsSeeder = isSeeder
		existing.SeenAt = now.Unix()
		return s.db.Save(existing).Error
	}

	row := &CachedPeer{
		InfoHash: infoHash,
		PeerID:   peerID,
		IP:       ip,
		Port:     port,
		IsSeeder: isSeeder,
		SeenAt:   now.Unix(),
	}
	return s.db.Create(row).Error
}

// ListByInfoHash returns every cached peer for infoHash, most recently
// seen first.
func (s *Store) ListByInfoHash(infoHash string) ([]CachedPeer, error) {
	var rows []CachedPeer
	err := s.db.Where("info_hash = ?", infoHash).Order("seen_at desc").Find(&rows).Error
	return rows, err
}
