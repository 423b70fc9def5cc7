package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-redis/redis/v8"

	logx "tickd/pkg/logx"
)

// ErrDisabled is returned by operations on a nil Service.
var ErrDisabled = errors.New("cache disabled")

// Config configures the Redis-backed translation cache.
//
// An empty Addr disables the cache entirely (New returns nil). Timeouts of
// zero fall back to 5s, matching the upstream defaults.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	OpTimeout   time.Duration

	// TTLHours bounds translation entries; default 24.
	TTLHours int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.TTLHours <= 0 {
		c.TTLHours = 24
	}
	return c
}

// Stats counts the cache's key population.
type Stats struct {
	IndividualTranslations int64 `json:"individual_translations"`
	BatchTranslations      int64 `json:"batch_translations"`
	TotalCached            int64 `json:"total_cached"`
	TotalKeys              int64 `json:"total_keys"`
}

// MemoryInfo summarizes the server's memory section. MaxBytes of 0 means
// the server has no configured limit; UsedPercent is 0 in that case.
type MemoryInfo struct {
	UsedBytes          int64   `json:"used_memory"`
	UsedHuman          string  `json:"used_memory_human"`
	MaxBytes           int64   `json:"max_memory"`
	MaxHuman           string  `json:"max_memory_human"`
	UsedPercent        float64 `json:"used_memory_percentage"`
	FragmentationRatio float64 `json:"memory_fragmentation_ratio"`
}

// Service is a thin, operation-scoped client for the translation cache.
// All methods are safe for concurrent use; a nil *Service is a valid
// disabled cache whose operations return ErrDisabled.
type Service struct {
	rdb *redis.Client
	cfg Config
	log logx.Logger
}

// New connects the cache client. A startup ping failure is logged but not
// fatal: the health-check job keeps probing and the refresh job fails until
// the server comes back, which is exactly how an unreachable cache should
// surface.
func New(cfg Config, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
	s := &Service{rdb: rdb, cfg: cfg, log: log.With(logx.String("comp", "cache"))}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.log.Warn("cache unreachable at startup", logx.String("addr", cfg.Addr), logx.Err(err))
	} else {
		s.log.Info("cache connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	}
	return s
}

func (s *Service) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// TTL returns the configured entry lifetime.
func (s *Service) TTL() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.cfg.TTLHours) * time.Hour
}

func (s *Service) Ping(ctx context.Context) error {
	if s == nil {
		return ErrDisabled
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// GetTranslation looks up a single cached translation. A miss is reported
// through the bool, not as an error.
func (s *Service) GetTranslation(ctx context.Context, text, lang string) (string, bool, error) {
	if s == nil {
		return "", false, ErrDisabled
	}
	v, err := s.rdb.Get(ctx, translationKey(lang, text)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	return v, true, nil
}

func (s *Service) SetTranslation(ctx context.Context, text, lang, translated string) error {
	if s == nil {
		return ErrDisabled
	}
	if err := s.rdb.Set(ctx, translationKey(lang, text), translated, s.TTL()).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// GetBatch returns the batch translation map for one language, or nil when
// none is cached.
func (s *Service) GetBatch(ctx context.Context, lang string) (map[string]string, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	v, err := s.rdb.Get(ctx, batchKey(lang)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get batch: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("cache batch decode: %w", err)
	}
	return m, nil
}

func (s *Service) SetBatch(ctx context.Context, lang string, translations map[string]string) error {
	if s == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(translations)
	if err != nil {
		return fmt.Errorf("cache batch encode: %w", err)
	}
	if err := s.rdb.Set(ctx, batchKey(lang), b, s.TTL()).Err(); err != nil {
		return fmt.Errorf("cache set batch: %w", err)
	}
	return nil
}

// Stats counts translation keys with a cursor scan so large keyspaces don't
// block the server the way KEYS would.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, ErrDisabled
	}
	individual, err := s.countKeys(ctx, "translation:*")
	if err != nil {
		return Stats{}, err
	}
	batch, err := s.countKeys(ctx, "batch_translation:*")
	if err != nil {
		return Stats{}, err
	}
	total, err := s.TotalKeys(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		IndividualTranslations: individual,
		BatchTranslations:      batch,
		TotalCached:            individual + batch,
		TotalKeys:              total,
	}, nil
}

func (s *Service) TotalKeys(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	n, err := s.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("cache dbsize: %w", err)
	}
	return n, nil
}

// MemoryInfo reads the server's memory section.
func (s *Service) MemoryInfo(ctx context.Context) (MemoryInfo, error) {
	if s == nil {
		return MemoryInfo{}, ErrDisabled
	}
	raw, err := s.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("cache info: %w", err)
	}
	return parseMemoryInfo(raw), nil
}

// Clear deletes every key matching pattern and returns how many went away.
func (s *Service) Clear(ctx context.Context, pattern string) (int64, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	if strings.TrimSpace(pattern) == "" {
		pattern = "translation:*"
	}

	var deleted int64
	batch := make([]string, 0, 128)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= cap(batch) {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("cache clear: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache clear scan: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("cache clear: %w", err)
	}
	if deleted > 0 {
		s.log.Info("cache cleared", logx.String("pattern", pattern), logx.Int64("deleted", deleted))
	}
	return deleted, nil
}

// PurgeStray deletes keys matching pattern that carry no TTL. Every write
// path sets an expiry, so a persistent key is leftover state from a crash or
// a manual poke and would otherwise live forever.
func (s *Service) PurgeStray(ctx context.Context, pattern string) (scanned, purged int64, err error) {
	if s == nil {
		return 0, 0, ErrDisabled
	}
	if strings.TrimSpace(pattern) == "" {
		pattern = "translation:*"
	}

	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		scanned++
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			return scanned, purged, fmt.Errorf("cache ttl %q: %w", key, err)
		}
		// -1 is "exists, no expiry"; -2 is "gone", which scan races can produce.
		if ttl != -1 {
			continue
		}
		n, err := s.rdb.Del(ctx, key).Result()
		if err != nil {
			return scanned, purged, fmt.Errorf("cache purge %q: %w", key, err)
		}
		purged += n
	}
	if err := iter.Err(); err != nil {
		return scanned, purged, fmt.Errorf("cache purge scan: %w", err)
	}
	if purged > 0 {
		s.log.Info("stray cache keys purged", logx.String("pattern", pattern),
			logx.Int64("scanned", scanned), logx.Int64("purged", purged))
	}
	return scanned, purged, nil
}

func (s *Service) countKeys(ctx context.Context, pattern string) (int64, error) {
	var n int64
	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("cache scan %q: %w", pattern, err)
	}
	return n, nil
}

// translationKey hashes the source text so arbitrary UI strings become
// fixed-width key components. FNV-1a is stable across processes, unlike the
// runtime map hash, so restarts keep hitting the same entries.
func translationKey(lang, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return "translation:" + lang + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func batchKey(lang string) string {
	return "batch_translation:" + lang
}

// parseMemoryInfo extracts the fields tickd reports from an INFO memory
// payload. Missing human-readable fields are synthesized so callers always
// get something displayable.
func parseMemoryInfo(raw string) MemoryInfo {
	kv := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	info := MemoryInfo{
		UsedBytes: parseInt64(kv["used_memory"]),
		MaxBytes:  parseInt64(kv["maxmemory"]),
		UsedHuman: kv["used_memory_human"],
	}
	if info.UsedHuman == "" {
		info.UsedHuman = humanize.IBytes(uint64(info.UsedBytes))
	}
	switch {
	case info.MaxBytes > 0 && kv["maxmemory_human"] != "":
		info.MaxHuman = kv["maxmemory_human"]
	case info.MaxBytes > 0:
		info.MaxHuman = humanize.IBytes(uint64(info.MaxBytes))
	default:
		info.MaxHuman = "unlimited"
	}
	if info.MaxBytes > 0 {
		pct := float64(info.UsedBytes) / float64(info.MaxBytes) * 100
		info.UsedPercent = float64(int(pct*100+0.5)) / 100
	}
	if v, err := strconv.ParseFloat(kv["mem_fragmentation_ratio"], 64); err == nil {
		info.FragmentationRatio = v
	}
	return info
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
