// internal/zookeeper/conn.go
package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	zlog "github.com/rs/zerolog/log"
)

// Conn 包装了 ZooKeeper 连接
type Conn struct {
	*zk.Conn
}

// Connect 连接到逗号分隔的 ZooKeeper 集群
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	c, _, err := zk.Connect(strings.Split(servers, ","), sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper %s: %w", servers, err)
	}
	zlog.Info().Str("servers", servers).Msg("✅ Successfully connected to ZooKeeper.")
	return &Conn{Conn: c}, nil
}

// Locker 是后台任务用来做集群互斥的抽象：同一时刻只有一个实例执行 resource 对应的任务。
type Locker interface {
	Lock(ctx context.Context, resource string) (unlock func() error, err error)
}

// ZkLocker 基于临时顺序节点实现 Locker
type ZkLocker struct {
	conn *Conn
}

func NewZkLocker(conn *Conn) *ZkLocker {
	return &ZkLocker{conn: conn}
}

func (l *ZkLocker) Lock(ctx context.Context, resource string) (func() error, error) {
	lock, err := NewDistributedLock(l.conn, resource)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return lock.Unlock, nil
}

// LocalLocker 是单实例部署时使用的进程内实现
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, resource string) (func() error, error) {
	l.mu.Lock()
	ch, ok := l.locks[resource]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[resource] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() error { <-ch; return nil }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
