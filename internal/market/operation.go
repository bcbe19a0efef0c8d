package market

import "fmt"

// OperationKind 区分操作类型。
type OperationKind string

const (
	KindOpenOrder   OperationKind = "open_order"
	KindCancelOrder OperationKind = "cancel_order"
)

// Operation 为待提交的交易意图，按值传递，构造后不再修改。
type Operation struct {
	Kind    OperationKind `json:"kind"`
	Side    Side          `json:"side"`
	Price   uint64        `json:"price,omitempty"`
	Amount  uint64        `json:"amount,omitempty"`
	OrderID string        `json:"order_id,omitempty"`
}

// NewOpenOrder 构造挂单操作。
func NewOpenOrder(side Side, price, amount uint64) Operation {
	return Operation{
		Kind:   KindOpenOrder,
		Side:   side,
		Price:  price,
		Amount: amount,
	}
}

// NewCancelOrder 构造撤单操作。
func NewCancelOrder(orderID string) Operation {
	return Operation{
		Kind:    KindCancelOrder,
		OrderID: orderID,
	}
}

// Validate 校验操作字段完整性。
func (o Operation) Validate() error {
	switch o.Kind {
	case KindOpenOrder:
		if o.Side != SideBuy && o.Side != SideSell {
			return fmt.Errorf("market: 挂单方向非法 %d", uint8(o.Side))
		}
		if o.Amount == 0 {
			return fmt.Errorf("market: 挂单数量不能为0")
		}
		if o.Price == 0 {
			return fmt.Errorf("market: 挂单价格不能为0")
		}
	case KindCancelOrder:
		if o.OrderID == "" {
			return fmt.Errorf("market: 撤单缺少 order_id")
		}
	default:
		return fmt.Errorf("market: 未知操作类型 %q", o.Kind)
	}
	return nil
}

func (o Operation) String() string {
	if o.Kind == KindCancelOrder {
		return fmt.Sprintf("cancel(%s)", o.OrderID)
	}
	return fmt.Sprintf("open(%s %d@%d)", o.Side, o.Amount, o.Price)
}
