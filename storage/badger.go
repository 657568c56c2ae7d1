// Copyright 2022-2023 The livedata Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/dgraph-io/badger/v3"
	"github.com/go-playground/validator/v10"
)

// badgerLogger routes badger's logging through apex/log
type badgerLogger struct {
	entry *log.Entry
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// badgerStore keeps the persistent subscription set in an embedded badger DB
type badgerStore struct {
	common.Component
	db       *badger.DB
	key      []byte
	validate *validator.Validate
}

/*
CreateBadgerPersistentSubscriptionStore open a badger DB and define a store

	@param config common.BadgerConfig - badger parameters
	@return new PersistentSubscriptionStore
*/
func CreateBadgerPersistentSubscriptionStore(
	config common.BadgerConfig,
) (PersistentSubscriptionStore, error) {
	component := common.NewComponent("storage", "badger-persistent-store", config.Key)
	path := config.Path
	if config.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(config.InMemory).
		WithLogger(badgerLogger{entry: log.WithFields(component.LogTags)})
	db, err := badger.Open(opts)
	if err != nil {
		log.WithError(err).WithFields(component.LogTags).Errorf("Unable to open badger DB at %s", path)
		return nil, err
	}
	return &badgerStore{
		Component: component,
		db:        db,
		key:       []byte(config.Key),
		validate:  validator.New(),
	}, nil
}

// ReadAll fetch the stored set
func (d *badgerStore) ReadAll(ctxt context.Context) ([]livedata.LiveDataSpecification, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return []livedata.LiveDataSpecification{}, nil
	} else if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", d.key)
		return nil, err
	}
	specs, err := decodeRecord(raw, d.validate)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to parse record %s", d.key)
		return nil, err
	}
	return specs, nil
}

// ReplaceAll overwrite the stored set
func (d *badgerStore) ReplaceAll(ctxt context.Context, specs []livedata.LiveDataSpecification) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	toStore, err := encodeRecord(specs, time.Now())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize record for storage")
		return err
	}
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.key, toStore)
	}); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", d.key)
		return fmt.Errorf("badger write of %s failed: %w", d.key, err)
	}
	log.WithFields(d.LogTags).Debugf("WRITE %d specifications into %s", len(specs), d.key)
	return nil
}

// Close close the badger DB
func (d *badgerStore) Close() error {
	if err := d.db.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close badger DB")
		return err
	}
	return nil
}
