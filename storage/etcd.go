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
	"fmt"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// etcdStore keeps the persistent subscription set as one JSON document in etcd.
// Writers from different server instances are serialized with an etcd mutex.
type etcdStore struct {
	common.Component
	client   *clientv3.Client
	session  *concurrency.Session
	mutex    *concurrency.Mutex
	key      string
	validate *validator.Validate
}

/*
CreateEtcdPersistentSubscriptionStore connect to etcd and define a store

	@param config common.EtcdConfig - etcd parameters
	@return new PersistentSubscriptionStore
*/
func CreateEtcdPersistentSubscriptionStore(
	config common.EtcdConfig,
) (PersistentSubscriptionStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: time.Second * time.Duration(config.DialTimeout),
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", config.Endpoints)
		return nil, err
	}
	session, err := concurrency.NewSession(client)
	if err != nil {
		log.WithError(err).Errorf("Unable to create concurrency session")
		_ = client.Close()
		return nil, err
	}
	instance := &etcdStore{
		Component: common.NewComponent("storage", "etcd-persistent-store", config.Key),
		client:    client,
		session:   session,
		mutex:     concurrency.NewMutex(session, fmt.Sprintf("%s/lock", config.Key)),
		key:       config.Key,
		validate:  validator.New(),
	}
	log.WithFields(instance.LogTags).Infof("Connected with etcd servers %s", config.Endpoints)
	return instance, nil
}

// ReadAll fetch the stored set
func (d *etcdStore) ReadAll(ctxt context.Context) ([]livedata.LiveDataSpecification, error) {
	resp, err := d.client.Get(ctxt, d.key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", d.key)
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		log.WithFields(d.LogTags).Debugf("Nothing stored under %s", d.key)
		return []livedata.LiveDataSpecification{}, nil
	}
	specs, err := decodeRecord(resp.Kvs[0].Value, d.validate)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to parse record %s", d.key)
		return nil, err
	}
	log.WithFields(d.LogTags).Debugf(
		"READ %d specifications from %s@%d", len(specs), d.key, resp.Kvs[0].ModRevision,
	)
	return specs, nil
}

// ReplaceAll overwrite the stored set
func (d *etcdStore) ReplaceAll(ctxt context.Context, specs []livedata.LiveDataSpecification) error {
	toStore, err := encodeRecord(specs, time.Now())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize record for storage")
		return err
	}
	if err := d.mutex.Lock(ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to lock %s", d.key)
		return err
	}
	defer func() {
		if err := d.mutex.Unlock(context.Background()); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to unlock %s", d.key)
		}
	}()
	resp, err := d.client.Put(ctxt, d.key, string(toStore))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to PUT %s", d.key)
		return err
	}
	log.WithFields(d.LogTags).Debugf(
		"WRITE %d specifications into %s@%d", len(specs), d.key, resp.Header.Revision,
	)
	return nil
}

// Close close the etcd client
func (d *etcdStore) Close() error {
	if err := d.session.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close session")
	}
	if err := d.client.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}
