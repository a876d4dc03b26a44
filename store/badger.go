package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/model"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

const (
	prefixRecord    = "rec/"
	prefixRedacted  = "redacted/"
	prefixComposite = "composite/"
	prefixPrint     = "fp/"
	prefixRegion    = "region/"
	prefixRegionIdx = "ridx/"

	decryptionDecay = 0.7
	maxTxnRetries   = 3
)

type Config struct {
	Dir      string
	InMemory bool
	Logger   *zap.Logger
}

// BadgerStore 基于 Badger 的嵌入式存储，每条记录在单个事务中提交
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

func Open(cfg Config) (*BadgerStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(newBadgerLogger(cfg.Logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", model.ErrPersistence, err)
	}
	return &BadgerStore{db: db, logger: cfg.Logger}, nil
}

func recordKey(id string) []byte            { return []byte(prefixRecord + id) }
func redactedKey(id string) []byte          { return []byte(prefixRedacted + id) }
func compositeKey(id string) []byte         { return []byte(prefixComposite + id) }
func fingerprintKey(id string) []byte       { return []byte(prefixPrint + id) }
func regionPrefix(id string) []byte         { return []byte(prefixRegion + id + "/") }
func regionKey(id, regionID string) []byte  { return []byte(prefixRegion + id + "/" + regionID) }
func regionIndexKey(regionID string) []byte { return []byte(prefixRegionIdx + regionID) }

func (s *BadgerStore) Save(ctx context.Context, rec *model.ImageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := utils.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", model.ErrPersistence, err)
	}
	fp, err := utils.Marshal(rec.Fingerprint)
	if err != nil {
		return fmt.Errorf("%w: encode fingerprint: %v", model.ErrPersistence, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entries := [][2][]byte{
			{recordKey(rec.ID), meta},
			{redactedKey(rec.ID), rec.RedactedImage},
			{compositeKey(rec.ID), rec.Composite},
			{fingerprintKey(rec.ID), fp},
		}
		for _, region := range rec.Regions {
			data, err := utils.Marshal(region)
			if err != nil {
				return fmt.Errorf("encode region %s: %w", region.ID, err)
			}
			entries = append(entries,
				[2][]byte{regionKey(rec.ID, region.ID), data},
				[2][]byte{regionIndexKey(region.ID), []byte(rec.ID)},
			)
		}
		for _, kv := range entries {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", model.ErrPersistence, rec.ID, err)
	}

	s.logger.Debug("record saved", zap.String("image_id", rec.ID), zap.Int("regions", len(rec.Regions)))
	return nil
}

func (s *BadgerStore) Load(ctx context.Context, id string) (*model.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec model.ImageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getCBOR(txn, recordKey(id), &rec); err != nil {
			return err
		}
		if err := getCBOR(txn, fingerprintKey(id), &rec.Fingerprint); err != nil {
			return err
		}

		var err error
		if rec.RedactedImage, err = getBytes(txn, redactedKey(id)); err != nil {
			return err
		}
		if rec.Composite, err = getBytes(txn, compositeKey(id)); err != nil {
			return err
		}

		rec.Regions, err = scanRegions(txn, id)
		return err
	})
	if err != nil {
		return nil, wrapErr(id, err)
	}
	return &rec, nil
}

func (s *BadgerStore) LoadRegion(ctx context.Context, regionID string) (*model.EncryptedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var region model.EncryptedRegion
	err := s.db.View(func(txn *badger.Txn) error {
		imageID, err := getBytes(txn, regionIndexKey(regionID))
		if err != nil {
			return err
		}
		return getCBOR(txn, regionKey(string(imageID), regionID), &region)
	})
	if err != nil {
		return nil, wrapErr(regionID, err)
	}
	return &region, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var regionIDs []string
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(id)); err != nil {
			return err
		}

		regions, err := scanRegions(txn, id)
		if err != nil {
			return err
		}
		for _, r := range regions {
			regionIDs = append(regionIDs, r.ID)
			if err := txn.Delete(regionKey(id, r.ID)); err != nil {
				return err
			}
			if err := txn.Delete(regionIndexKey(r.ID)); err != nil {
				return err
			}
		}

		for _, key := range [][]byte{recordKey(id), redactedKey(id), compositeKey(id), fingerprintKey(id)} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(id, err)
	}
	return regionIDs, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			ids = append(ids, string(bytes.TrimPrefix(key, []byte(prefixRecord))))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", model.ErrPersistence, err)
	}
	return ids, nil
}

func (s *BadgerStore) UpdateEntropy(ctx context.Context, id string, upd EntropyUpdate) error {
	return s.updateRecord(ctx, id, func(rec *model.ImageRecord) {
		rec.OriginalEntropy = upd.Original
		rec.OriginalEntropySource = upd.OriginalSource
		rec.BlurredEntropy = upd.Blurred
		rec.EncryptedEntropy = upd.Encrypted
	})
}

func (s *BadgerStore) RecordDecryption(ctx context.Context, imageID string, ms float64) error {
	return s.updateRecord(ctx, imageID, func(rec *model.ImageRecord) {
		if rec.DecryptionMs <= 0 {
			rec.DecryptionMs = ms
			return
		}
		rec.DecryptionMs = decryptionDecay*rec.DecryptionMs + (1-decryptionDecay)*ms
	})
}

// updateRecord 读-改-写元数据，事务冲突时重试
func (s *BadgerStore) updateRecord(ctx context.Context, id string, mutate func(*model.ImageRecord)) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			var rec model.ImageRecord
			if err := getCBOR(txn, recordKey(id), &rec); err != nil {
				return err
			}
			mutate(&rec)
			data, err := utils.Marshal(&rec)
			if err != nil {
				return err
			}
			return txn.Set(recordKey(id), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return wrapErr(id, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func scanRegions(txn *badger.Txn, id string) ([]model.EncryptedRegion, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = regionPrefix(id)
	it := txn.NewIterator(opts)
	defer it.Close()

	var regions []model.EncryptedRegion
	for it.Rewind(); it.Valid(); it.Next() {
		var region model.EncryptedRegion
		err := it.Item().Value(func(val []byte) error {
			return utils.Unmarshal(val, &region)
		})
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	return regions, nil
}

func getBytes(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getCBOR(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return utils.Unmarshal(val, v)
	})
}

func wrapErr(id string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPersistence, id, err)
}
