package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "chatmesh/membership"

// etcdStore implements Store on top of an etcd cluster. One key per
// (room, user) under chatmesh/membership/<room>/<user>, so set operations map
// onto single-key puts and deletes, and Members is a prefix scan.
type etcdStore struct {
	common.Component
	client         *clientv3.Client
	requestTimeout time.Duration
}

// CreateEtcdStore define an etcd backed membership store
func CreateEtcdStore(
	endpoints []string, dialTimeout, requestTimeout time.Duration,
) (Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", endpoints)
		return nil, common.NewDependencyError("membership-store", "connect", err)
	}
	logTags := log.Fields{"module": "membership", "component": "etcd-backed"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", endpoints)
	return &etcdStore{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		requestTimeout: requestTimeout,
	}, nil
}

func memberKey(room, username string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, room, username)
}

func roomKeyPrefix(room string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, room)
}

// Join add a user to a room's membership set
func (d *etcdStore) Join(ctxt context.Context, room, username string) error {
	useCtxt, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	// Put is idempotent, so a repeated join changes nothing
	if _, err := d.client.Put(useCtxt, memberKey(room, username), "1"); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to JOIN %s into %s", username, room,
		)
		return common.NewDependencyError("membership-store", "join", err)
	}
	log.WithFields(d.LogTags).Debugf("JOIN %s into %s", username, room)
	return nil
}

// Leave remove a user from a room's membership set
func (d *etcdStore) Leave(ctxt context.Context, room, username string) error {
	useCtxt, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	if _, err := d.client.Delete(useCtxt, memberKey(room, username)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to LEAVE %s from %s", username, room,
		)
		return common.NewDependencyError("membership-store", "leave", err)
	}
	log.WithFields(d.LogTags).Debugf("LEAVE %s from %s", username, room)
	return nil
}

// IsMember check whether a user is currently in a room's membership set
func (d *etcdStore) IsMember(ctxt context.Context, room, username string) (bool, error) {
	useCtxt, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	resp, err := d.client.Get(useCtxt, memberKey(room, username), clientv3.WithCountOnly())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to check membership of %s in %s", username, room,
		)
		return false, common.NewDependencyError("membership-store", "is-member", err)
	}
	return resp.Count > 0, nil
}

// Members fetch the current membership set of a room
func (d *etcdStore) Members(ctxt context.Context, room string) ([]string, error) {
	useCtxt, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	prefix := roomKeyPrefix(room)
	resp, err := d.client.Get(useCtxt, prefix, clientv3.WithPrefix())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to list members of %s", room,
		)
		return nil, common.NewDependencyError("membership-store", "members", err)
	}
	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return members, nil
}

// Ping verify the backing store is reachable
func (d *etcdStore) Ping(ctxt context.Context) error {
	useCtxt, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	if _, err := d.client.Get(useCtxt, keyPrefix, clientv3.WithCountOnly()); err != nil {
		return common.NewDependencyError("membership-store", "ping", err)
	}
	return nil
}

// Close release the etcd client
func (d *etcdStore) Close() error {
	return d.client.Close()
}
