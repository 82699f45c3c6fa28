// Package audiocache persists transcoded PCM so repeated utterances skip synthesis.
package audiocache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// Params are the synthesis and output settings that, together with the text,
// determine the audio.
type Params struct {
	Language     string
	Voice        string
	SpeakingRate float64
	Gender       string
	Encoding     string // requested from the remote service
	Format       string // e.g. 44100Hz/1ch/s16le
}

// Key returns the cache key for text under p.
func Key(text string, p Params) string {
	h, _ := blake2b.New(16, nil)
	for _, part := range []string{
		text,
		p.Language,
		p.Voice,
		strconv.FormatFloat(p.SpeakingRate, 'f', -1, 64),
		strings.ToLower(p.Gender),
		strings.ToLower(p.Encoding),
		p.Format,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store is a SQLite-backed LRU of PCM blobs. A disabled store is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.CacheConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "audio-cache"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("audio cache prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audio (
    cache_key TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    pcm BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    last_used INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_last_used ON audio(last_used);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Enabled() bool { return s.db != nil }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the PCM stored under key and marks it recently used.
func (s *Store) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, nil
	}
	var pcm []byte
	err := s.db.QueryRowContext(ctx, `SELECT pcm FROM audio WHERE cache_key = ?`, key).Scan(&pcm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE audio SET last_used = ? WHERE cache_key = ?`, s.clock().UnixNano(), key); err != nil {
		s.log.Debug("touch cache entry failed", slog.String("error", err.Error()))
	}
	return pcm, true, nil
}

// Save stores pcm under key and evicts the least recently used entries beyond MaxEntries.
func (s *Store) Save(ctx context.Context, key, text string, pcm []byte) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio(cache_key, text, pcm, created_at, last_used)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET pcm=excluded.pcm, last_used=excluded.last_used`,
		key, text, pcm, now, now)
	if err != nil {
		return err
	}
	return s.Prune(ctx)
}

// Prune enforces MaxEntries.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.MaxEntries <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM audio WHERE cache_key IN (
		SELECT cache_key FROM audio ORDER BY last_used DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxEntries)
	return err
}

// Len returns the number of cached entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audio`).Scan(&n)
	return n, err
}

// Scoped binds the store to one voice and output format.
func (s *Store) Scoped(p Params) *Scoped {
	return &Scoped{store: s, params: p}
}

// Scoped is a Store view keyed by text alone. Errors are logged, never returned,
// so a broken cache degrades to a miss.
type Scoped struct {
	store  *Store
	params Params
}

func (c *Scoped) Get(ctx context.Context, text string) ([]byte, bool) {
	pcm, ok, err := c.store.Lookup(ctx, Key(text, c.params))
	if err != nil {
		c.store.log.Warn("audio cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	return pcm, ok
}

func (c *Scoped) Put(ctx context.Context, text string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if err := c.store.Save(ctx, Key(text, c.params), text, pcm); err != nil {
		c.store.log.Warn("audio cache save failed", slog.String("error", err.Error()))
	}
}
