package persephone

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryStore persists hourly demand so the pipeline can train on it
// without re-aggregating trip files.
type HistoryStore interface {
	// Save stores records; a record replaces any earlier one for the same hour.
	Save(ctx context.Context, records []DemandRecord) error

	// Load returns the records in [start, end], oldest first.
	Load(ctx context.Context, start, end time.Time) ([]DemandRecord, error)

	// QueryRecent returns the count most recent records, oldest first.
	QueryRecent(ctx context.Context, count int) ([]DemandRecord, error)

	// Prune removes records older than retentionDays.
	Prune(ctx context.Context, retentionDays int) error

	Close() error
}

const defaultHistoryKey = "demeter:demand"

// RedisHistoryStore keeps demand in a sorted set scored by Unix time.
type RedisHistoryStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisHistoryStore(addr string, db int, password string) (*RedisHistoryStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHistoryStore{
		client: client,
		key:    defaultHistoryKey,
		now:    time.Now,
	}, nil
}

func score(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func (s *RedisHistoryStore) Save(ctx context.Context, records []DemandRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		// members are whole JSON documents, so drop the old value for the hour first
		ts := score(record.Timestamp)
		pipe.ZRemRangeByScore(ctx, s.key, ts, ts)
		pipe.ZAdd(ctx, s.key, redis.Z{
			Score:  float64(record.Timestamp.Unix()),
			Member: data,
		})
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisHistoryStore) Load(ctx context.Context, start, end time.Time) ([]DemandRecord, error) {
	results, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: score(start),
		Max: score(end),
	}).Result()
	if err != nil {
		return nil, err
	}
	return decodeRecords(results), nil
}

func (s *RedisHistoryStore) QueryRecent(ctx context.Context, count int) ([]DemandRecord, error) {
	if count <= 0 {
		return []DemandRecord{}, nil
	}
	results, err := s.client.ZRevRange(ctx, s.key, 0, int64(count-1)).Result()
	if err != nil {
		return nil, err
	}

	records := decodeRecords(results)
	for i := 0; i < len(records)/2; i++ {
		records[i], records[len(records)-1-i] = records[len(records)-1-i], records[i]
	}
	return records, nil
}

func (s *RedisHistoryStore) Prune(ctx context.Context, retentionDays int) error {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	return s.client.ZRemRangeByScore(ctx, s.key, "-inf", "("+score(cutoff)).Err()
}

func (s *RedisHistoryStore) Close() error {
	return s.client.Close()
}

func decodeRecords(members []string) []DemandRecord {
	records := make([]DemandRecord, 0, len(members))
	for _, data := range members {
		var record DemandRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue // skip malformed members
		}
		record.Timestamp = record.Timestamp.UTC()
		records = append(records, record)
	}
	return records
}

// LocalHistoryStore keeps demand in a single JSON file.
type LocalHistoryStore struct {
	dataDir string
	file    string
	now     func() time.Time
}

func NewLocalHistoryStore(dataDir string) (*LocalHistoryStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &LocalHistoryStore{
		dataDir: dataDir,
		file:    filepath.Join(dataDir, "demand_history.json"),
		now:     time.Now,
	}, nil
}

func (s *LocalHistoryStore) Save(ctx context.Context, records []DemandRecord) error {
	existing, err := s.loadFromFile()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	byHour := make(map[int64]DemandRecord, len(existing)+len(records))
	for _, r := range existing {
		byHour[r.Timestamp.Unix()] = r
	}
	for _, r := range records {
		byHour[r.Timestamp.Unix()] = r
	}

	merged := make([]DemandRecord, 0, len(byHour))
	for _, r := range byHour {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	return s.saveToFile(merged)
}

func (s *LocalHistoryStore) Load(ctx context.Context, start, end time.Time) ([]DemandRecord, error) {
	all, err := s.loadFromFile()
	if err != nil {
		if os.IsNotExist(err) {
			return []DemandRecord{}, nil
		}
		return nil, err
	}

	filtered := make([]DemandRecord, 0)
	for _, record := range all {
		if !record.Timestamp.Before(start) && !record.Timestamp.After(end) {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

func (s *LocalHistoryStore) QueryRecent(ctx context.Context, count int) ([]DemandRecord, error) {
	all, err := s.loadFromFile()
	if err != nil {
		if os.IsNotExist(err) {
			return []DemandRecord{}, nil
		}
		return nil, err
	}

	if count <= 0 {
		return []DemandRecord{}, nil
	}
	if len(all) <= count {
		return all, nil
	}
	return all[len(all)-count:], nil
}

func (s *LocalHistoryStore) Prune(ctx context.Context, retentionDays int) error {
	all, err := s.loadFromFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	kept := make([]DemandRecord, 0, len(all))
	for _, record := range all {
		if !record.Timestamp.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	return s.saveToFile(kept)
}

func (s *LocalHistoryStore) Close() error {
	return nil
}

func (s *LocalHistoryStore) loadFromFile() ([]DemandRecord, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return nil, err
	}

	var records []DemandRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
	}
	return records, nil
}

func (s *LocalHistoryStore) saveToFile(records []DemandRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return os.Rename(tmp, s.file)
}
