// Copyright 2025 The Marble Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package blob

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// LocalStore is a single-node blob store: tag and attribute metadata in an
// embedded badger database, blob contents as plain files under a root
// directory. URLs are absolute file paths.
type LocalStore struct {
	db   *badger.DB
	root string
}

const (
	tagKeyPrefix  = "t:"
	attrKeyPrefix = "a:"
	attrSep       = "\x00"
)

// NewLocalStore opens (or creates) a local store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, wrapError(err)
	}
	db, err := badger.Open(badger.DefaultOptions(filepath.Join(dir, "meta")).WithLogger(nil))
	if err != nil {
		return nil, wrapError(err)
	}
	return &LocalStore{db: db, root: dir}, nil
}

// Close releases the metadata database.
func (s *LocalStore) Close() error {
	return wrapError(s.db.Close())
}

func tagKey(tag string) []byte {
	return []byte(tagKeyPrefix + tag)
}

func attrKey(tag, key string) []byte {
	return []byte(attrKeyPrefix + tag + attrSep + key)
}

// List implements Store.
func (s *LocalStore) List(prefix string) ([]string, error) {
	var tags []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = tagKey(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			tags = append(tags, string(it.Item().Key()[len(tagKeyPrefix):]))
		}
		return nil
	})
	return tags, wrapError(err)
}

// Blobs implements Store.
func (s *LocalStore) Blobs(tag string) ([]string, error) {
	var urls []string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tagKey(tag))
		if err == badger.ErrKeyNotFound {
			return tagNotFound(tag)
		}
		if err != nil {
			return err
		}
		bs, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(bs, &urls)
	})
	return urls, wrapError(err)
}

// Push implements Store: the files are copied under the store root and
// their new URLs appended to the tag.
func (s *LocalStore) Push(tag string, files []string) error {
	urls := make([]string, 0, len(files))
	for _, f := range files {
		dst := filepath.Join(s.root, "blobs", uuid.NewString()+filepath.Ext(f))
		if err := copyFile(f, dst); err != nil {
			return wrapError(err)
		}
		urls = append(urls, dst)
	}
	return s.Tag(tag, urls)
}

// Tag implements Store.
func (s *LocalStore) Tag(tag string, urls []string) error {
	return wrapError(s.db.Update(func(txn *badger.Txn) error {
		var existing []string
		item, err := txn.Get(tagKey(tag))
		if err == nil {
			bs, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(bs, &existing); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		bs, err := json.Marshal(append(existing, urls...))
		if err != nil {
			return err
		}
		return txn.Set(tagKey(tag), bs)
	}))
}

// Delete implements Store. Blobs owned by the store are unlinked with the
// tag.
func (s *LocalStore) Delete(tag string) error {
	urls, err := s.Blobs(tag)
	if err != nil && !IsNotFound(err) {
		return err
	}
	for _, u := range urls {
		if filepath.Dir(u) == filepath.Join(s.root, "blobs") {
			os.Remove(u)
		}
	}
	return wrapError(s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(tagKey(tag)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(attrKeyPrefix + tag + attrSep)
		it := txn.NewIterator(opts)
		var attrs [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			attrs = append(attrs, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range attrs {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SetAttr implements Store. Setting an attribute implicitly creates the
// tag, matching the schema-tag bootstrap flow.
func (s *LocalStore) SetAttr(tag, key string, val []byte) error {
	return wrapError(s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(tagKey(tag)); err == badger.ErrKeyNotFound {
			if err := txn.Set(tagKey(tag), []byte("[]")); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return txn.Set(attrKey(tag, key), append([]byte(nil), val...))
	}))
}

// GetAttr implements Store.
func (s *LocalStore) GetAttr(tag, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attrKey(tag, key))
		if err == badger.ErrKeyNotFound {
			return attrNotFound(tag, key)
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, wrapError(err)
}

// Exists implements Store.
func (s *LocalStore) Exists(tag string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(tagKey(tag))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, wrapError(err)
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: InternalErr, Message: err.Error()}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
