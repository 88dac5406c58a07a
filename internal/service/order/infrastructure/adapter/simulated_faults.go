package adapter

import (
	"context"
	"errors"
	"sync"

	"fulfillment/internal/pkg/apperrors"
)

var errSimulatedOutage = errors.New("simulated provider outage")

// faults 给模拟的外部服务注入故障，用于本地联调和测试补偿路径。
type faults struct {
	mu      sync.Mutex
	failN   map[string]int
	failErr map[string]error
	hangN   map[string]int
	calls   map[string]int
}

// FailNext 让 op 接下来的 n 次调用失败。err 为空时返回可重试的 provider 错误。
func (f *faults) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN == nil {
		f.failN, f.failErr = map[string]int{}, map[string]error{}
	}
	if err == nil {
		err = apperrors.Wrap(apperrors.KindProvider, errSimulatedOutage, op)
	}
	f.failN[op], f.failErr[op] = n, err
}

// HangAfterApply 让 op 接下来的 n 次调用在生效之后挂起直到超时，模拟响应丢失。
func (f *faults) HangAfterApply(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangN == nil {
		f.hangN = map[string]int{}
	}
	f.hangN[op] = n
}

// Calls 返回 op 被调用的次数
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	if f.failN[op] > 0 {
		f.failN[op]--
		return f.failErr[op]
	}
	return nil
}

func (f *faults) hang(ctx context.Context, op string) error {
	f.mu.Lock()
	hang := f.hangN[op] > 0
	if hang {
		f.hangN[op]--
	}
	f.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return apperrors.Wrap(apperrors.KindProvider, ctx.Err(), op+" timed out")
}
