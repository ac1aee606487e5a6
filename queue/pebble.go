package queue

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "q/"

// PebbleStorage persists entries in a pebble database under
// q/<channel>/<seq>. Values are JSON, sealed when a Sealer is configured.
type PebbleStorage struct {
	db     *pebble.DB
	sealer *Sealer
}

// PebbleOptions configures OpenPebble.
type PebbleOptions struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// Sealer encrypts values at rest when set.
	Sealer *Sealer
}

// OpenPebble opens (creating if needed) the queue database in dir.
func OpenPebble(dir string, opts PebbleOptions) (*PebbleStorage, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpenPebble",
			"dir":      dir,
			"error":    err.Error(),
		}).Error("Failed to open queue database")
		return nil, fmt.Errorf("open queue database %s: %w", dir, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenPebble",
		"dir":      dir,
		"sealed":   opts.Sealer != nil,
	}).Info("Opened queue database")

	return &PebbleStorage{db: db, sealer: opts.Sealer}, nil
}

func entryKey(channelID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", keyPrefix, channelID, seq))
}

// Put writes e synchronously.
func (p *PebbleStorage) Put(e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if p.sealer != nil {
		if data, err = p.sealer.Seal(data); err != nil {
			return err
		}
	}
	if err := p.db.Set(entryKey(e.ChannelID, e.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("store entry %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes an entry synchronously.
func (p *PebbleStorage) Delete(channelID string, seq uint64) error {
	if err := p.db.Delete(entryKey(channelID, seq), pebble.Sync); err != nil {
		return fmt.Errorf("delete entry %s/%d: %w", channelID, seq, err)
	}
	return nil
}

// Load reads every entry. Entries that fail to decode or unseal are skipped
// and logged; they cannot be sent anyway.
func (p *PebbleStorage) Load() ([]Entry, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("q0"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		data := append([]byte(nil), iter.Value()...)
		if p.sealer != nil {
			if data, err = p.sealer.Open(data); err != nil {
				logCorruptEntry(iter.Key(), err)
				continue
			}
		}
		e, err := decodeEntry(data)
		if err != nil {
			logCorruptEntry(iter.Key(), err)
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Close closes the database.
func (p *PebbleStorage) Close() error {
	return p.db.Close()
}

func logCorruptEntry(key []byte, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "PebbleStorage.Load",
		"key":      string(key),
		"error":    err.Error(),
	}).Warn("Skipping unreadable queue entry")
}
