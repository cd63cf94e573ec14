// Package config holds the tunable knobs of the backup engine and
// persists them into the metadata store's settings table, defaulting
// zero values the same way store.Options defaults a SQLite connection.
package config

import (
	"context"
	"fmt"
	"strconv"

	"backset/store"
)

// Default tunable values.
const (
	DefaultInlineThreshold = 32 * 1024
	DefaultChunkSize       = 4 << 20
	DefaultWorkerCount     = 4
)

// Config is the set of options recognized by the scan/backup/gc
// pipeline. Encryption and Compression name pluggable codec
// implementations but default to "none": the default pipeline never
// invokes them (§1 Non-goals).
type Config struct {
	// InlineThreshold is the largest regular-file size, in bytes,
	// stored directly in the inode payload instead of as blob chunks.
	InlineThreshold int64
	// ChunkSize is the fixed chunk size used when splitting files
	// larger than InlineThreshold.
	ChunkSize int64
	// WorkerCount bounds the number of concurrent backup workers.
	WorkerCount int
	// Encryption names an encryption codec ("none" or "chacha20poly1305").
	Encryption string
	// Compression names a compression codec ("none" or "zstd").
	Compression string
	// StorageBackend selects the remote.Backend implementation ("fs" or "s3").
	StorageBackend string
	// S3Endpoint, S3Bucket, S3AccessKey, S3SecretKey configure
	// remote/s3remote when StorageBackend == "s3".
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	// FSDir configures remote/fsremote when StorageBackend == "fs".
	FSDir string
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		InlineThreshold: DefaultInlineThreshold,
		ChunkSize:       DefaultChunkSize,
		WorkerCount:     DefaultWorkerCount,
		Encryption:      "none",
		Compression:     "none",
		StorageBackend:  "fs",
	}
}

const (
	keyInlineThreshold = "inline_threshold"
	keyChunkSize       = "chunk_size"
	keyWorkerCount     = "worker_count"
	keyEncryption      = "encryption"
	keyCompression     = "compression"
	keyStorageBackend  = "storage_backend"
	keyS3Endpoint      = "s3_endpoint"
	keyS3Bucket        = "s3_bucket"
	keyS3AccessKey     = "s3_access_key"
	keyS3SecretKey     = "s3_secret_key"
	keyFSDir           = "fs_dir"
)

// Load reads the Config from the settings table, filling in defaults
// for any key never set.
func Load(ctx context.Context, st *store.Store) (Config, error) {
	d := Default()

	inlineThreshold, err := getInt(ctx, st, keyInlineThreshold, d.InlineThreshold)
	if err != nil {
		return Config{}, err
	}
	chunkSize, err := getInt(ctx, st, keyChunkSize, d.ChunkSize)
	if err != nil {
		return Config{}, err
	}
	workerCount, err := getInt(ctx, st, keyWorkerCount, int64(d.WorkerCount))
	if err != nil {
		return Config{}, err
	}

	encryption, err := st.GetSetting(ctx, keyEncryption, d.Encryption)
	if err != nil {
		return Config{}, err
	}
	compression, err := st.GetSetting(ctx, keyCompression, d.Compression)
	if err != nil {
		return Config{}, err
	}
	backend, err := st.GetSetting(ctx, keyStorageBackend, d.StorageBackend)
	if err != nil {
		return Config{}, err
	}
	s3Endpoint, err := st.GetSetting(ctx, keyS3Endpoint, "")
	if err != nil {
		return Config{}, err
	}
	s3Bucket, err := st.GetSetting(ctx, keyS3Bucket, "")
	if err != nil {
		return Config{}, err
	}
	s3AccessKey, err := st.GetSetting(ctx, keyS3AccessKey, "")
	if err != nil {
		return Config{}, err
	}
	s3SecretKey, err := st.GetSetting(ctx, keyS3SecretKey, "")
	if err != nil {
		return Config{}, err
	}
	fsDir, err := st.GetSetting(ctx, keyFSDir, "")
	if err != nil {
		return Config{}, err
	}

	return Config{
		InlineThreshold: inlineThreshold,
		ChunkSize:       chunkSize,
		WorkerCount:     int(workerCount),
		Encryption:      encryption,
		Compression:     compression,
		StorageBackend:  backend,
		S3Endpoint:      s3Endpoint,
		S3Bucket:        s3Bucket,
		S3AccessKey:     s3AccessKey,
		S3SecretKey:     s3SecretKey,
		FSDir:           fsDir,
	}, nil
}

// Save persists every field of c into the settings table.
func Save(ctx context.Context, st *store.Store, c Config) error {
	pairs := map[string]string{
		keyInlineThreshold: strconv.FormatInt(c.InlineThreshold, 10),
		keyChunkSize:        strconv.FormatInt(c.ChunkSize, 10),
		keyWorkerCount:      strconv.Itoa(c.WorkerCount),
		keyEncryption:       c.Encryption,
		keyCompression:      c.Compression,
		keyStorageBackend:   c.StorageBackend,
		keyS3Endpoint:       c.S3Endpoint,
		keyS3Bucket:         c.S3Bucket,
		keyS3AccessKey:      c.S3AccessKey,
		keyS3SecretKey:      c.S3SecretKey,
		keyFSDir:            c.FSDir,
	}
	for key, value := range pairs {
		if err := st.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("config: save %s: %w", key, err)
		}
	}
	return nil
}

func getInt(ctx context.Context, st *store.Store, key string, def int64) (int64, error) {
	raw, err := st.GetSetting(ctx, key, strconv.FormatInt(def, 10))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}
