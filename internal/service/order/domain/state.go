// internal/service/order/domain/state.go
package domain

import (
	"fmt"

	"fulfillment/internal/pkg/apperrors"
)

// State 定义了订单 Saga 的生命周期状态
type State string

const (
	StateStarted    State = "STARTED"
	StateReserving  State = "RESERVING"  // 正在预占库存
	StateReserved   State = "RESERVED"   // 库存已预占
	StateCharging   State = "CHARGING"   // 正在扣款
	StateCharged    State = "CHARGED"    // 已扣款
	StateShipping   State = "SHIPPING"   // 正在创建物流单
	StateShipped    State = "SHIPPED"    // 物流已揽收
	StateConfirming State = "CONFIRMING" // 正在确认扣减库存
	StateCompleted  State = "COMPLETED"  // 终态：成功（可能带对账标记）

	StateReservationFailed       State = "RESERVATION_FAILED"
	StateChargeFailed            State = "CHARGE_FAILED"
	StateShipmentFailed          State = "SHIPMENT_FAILED"
	StateCompensatingPayment     State = "COMPENSATING_PAYMENT"     // 正在退款
	StateCompensatingReservation State = "COMPENSATING_RESERVATION" // 正在释放库存
	StateCompensated             State = "COMPENSATED"              // 补偿全部完成
	StateFailed                  State = "FAILED"                   // 终态：失败
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event 驱动状态流转
type Event string

const (
	EventBegin              Event = "BEGIN"
	EventReserved           Event = "RESERVED"
	EventReserveFailed      Event = "RESERVE_FAILED"
	EventCharge             Event = "CHARGE"
	EventCharged            Event = "CHARGED"
	EventChargeFailed       Event = "CHARGE_FAILED"
	EventShip               Event = "SHIP"
	EventShipped            Event = "SHIPPED"
	EventShipFailed         Event = "SHIP_FAILED"
	EventConfirm            Event = "CONFIRM"
	EventConfirmed          Event = "CONFIRMED"
	EventConfirmFailed      Event = "CONFIRM_FAILED" // 已发货，不回滚，标记对账
	EventCompensate         Event = "COMPENSATE"
	EventRefunded           Event = "REFUNDED"
	EventReleased           Event = "RELEASED"
	EventFinish             Event = "FINISH"
	EventCompensationFailed Event = "COMPENSATION_FAILED" // 补偿重试耗尽，需要人工介入
	EventRetryLater         Event = "RETRY_LATER"         // 外部结果未知，停在原状态等待下一次驱动
	EventGiveUp             Event = "GIVE_UP"             // 结果一直未知，按失败处理并补偿
	EventCancel             Event = "CANCEL"              // 调用方主动取消
)

// transitions 是 Saga 的完整状态表：当前状态 × 事件 -> 下一个状态。
// 恢复时只依赖最后一次持久化的状态，不依赖任何内存中的调用栈。
var transitions = map[State]map[Event]State{
	StateStarted: {
		EventBegin:  StateReserving,
		EventCancel: StateCompensated,
	},
	StateReserving: {
		EventReserved:      StateReserved,
		EventReserveFailed: StateReservationFailed,
		EventCancel:        StateCompensatingReservation,
	},
	StateReserved: {
		EventCharge: StateCharging,
		EventCancel: StateCompensatingReservation,
	},
	StateCharging: {
		EventCharged:      StateCharged,
		EventChargeFailed: StateChargeFailed,
		EventRetryLater:   StateCharging,
		EventGiveUp:       StateCompensatingPayment, // 扣款可能已生效，先按 key 查询再退款
		EventCancel:       StateCompensatingPayment,
	},
	StateCharged: {
		EventShip:   StateShipping,
		EventCancel: StateCompensatingPayment,
	},
	StateShipping: {
		EventShipped:    StateShipped,
		EventShipFailed: StateShipmentFailed,
		EventRetryLater: StateShipping,
		EventGiveUp:     StateShipmentFailed,
		EventCancel:     StateShipmentFailed,
	},
	StateShipped: {
		EventConfirm: StateConfirming,
		EventCancel:  StateShipmentFailed,
	},
	StateConfirming: {
		EventConfirmed:     StateCompleted,
		EventConfirmFailed: StateCompleted,
	},
	StateReservationFailed: {
		EventFinish:             StateFailed,
		EventCompensationFailed: StateFailed,
		EventRetryLater:         StateReservationFailed,
	},
	StateChargeFailed: {
		EventCompensate: StateCompensatingReservation,
	},
	StateShipmentFailed: {
		EventCompensate:         StateCompensatingPayment,
		EventCompensationFailed: StateFailed,
	},
	StateCompensatingPayment: {
		EventRefunded:           StateCompensatingReservation,
		EventCompensationFailed: StateFailed,
	},
	StateCompensatingReservation: {
		EventReleased:           StateCompensated,
		EventCompensationFailed: StateFailed,
		EventRetryLater:         StateCompensatingReservation,
	},
	StateCompensated: {
		EventFinish: StateFailed,
	},
}

var ErrIllegalTransition = apperrors.New(apperrors.KindFatal, "illegal saga transition")

// Next 查表得到下一个状态
func Next(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, from, ev)
}

// Cancellable 判断当前状态是否还能接受取消。确认库存时已经发货，不再回滚。
func Cancellable(s State) bool {
	_, ok := transitions[s][EventCancel]
	return ok
}

// States 返回状态表中出现的全部状态
func States() []State {
	seen := map[State]bool{}
	var out []State
	for from, edges := range transitions {
		if !seen[from] {
			seen[from] = true
			out = append(out, from)
		}
		for _, to := range edges {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	return out
}
