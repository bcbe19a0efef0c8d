package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filler/internal/market"
)

// 协议消息类型。
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgKeepAlive      = "ka"
	msgStart          = "start"
	msgStop           = "stop"
	msgData           = "data"
	msgError          = "error"
	msgComplete       = "complete"
)

// clientMessage 为客户端发往服务端的帧。
type clientMessage struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Payload *startPayload `json:"payload,omitempty"`
}

type startPayload struct {
	Query string `json:"query"`
}

// serverMessage 为服务端推送帧的外层结构。
type serverMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dataPayload struct {
	Data snapshotData `json:"data"`
}

// snapshotData 中任一侧为 nil 表示该侧未出现在消息中。
type snapshotData struct {
	Buy  *[]orderWire `json:"ActiveBuyOrder"`
	Sell *[]orderWire `json:"ActiveSellOrder"`
}

// orderWire 为推送中的挂单，数量与价格以十进制字符串传输。
type orderWire struct {
	ID        string  `json:"id"`
	User      string  `json:"user"`
	Asset     string  `json:"asset"`
	Amount    string  `json:"amount"`
	Price     string  `json:"price"`
	Timestamp string  `json:"timestamp"`
	OrderType string  `json:"order_type"`
	Status    *string `json:"status,omitempty"`
}

// parse 将推送挂单转换为 market.Order，side 为所在订阅的方向。
func (w orderWire) parse(side market.Side) (market.Order, error) {
	if w.OrderType != "" {
		declared, err := market.ParseSide(w.OrderType)
		if err != nil {
			return market.Order{}, fmt.Errorf("订单 %s: %w", w.ID, err)
		}
		if declared != side {
			return market.Order{}, fmt.Errorf("订单 %s 方向 %s 与订阅方向 %s 不一致", w.ID, declared, side)
		}
	}

	amount, err := strconv.ParseUint(strings.TrimSpace(w.Amount), 10, 64)
	if err != nil {
		return market.Order{}, fmt.Errorf("订单 %s 数量非法: %w", w.ID, err)
	}
	price, err := strconv.ParseUint(strings.TrimSpace(w.Price), 10, 64)
	if err != nil {
		return market.Order{}, fmt.Errorf("订单 %s 价格非法: %w", w.ID, err)
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return market.Order{}, fmt.Errorf("订单 %s 时间戳非法: %w", w.ID, err)
	}

	return market.Order{
		ID:        w.ID,
		User:      w.User,
		Asset:     w.Asset,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Timestamp: ts.UTC(),
	}, nil
}

func parseOrders(side market.Side, wires []orderWire) ([]market.Order, error) {
	orders := make([]market.Order, 0, len(wires))
	for _, w := range wires {
		order, err := w.parse(side)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// tableName 返回订阅的数据表名与排序方向，排序使最优价排在最前。
func tableName(side market.Side) (string, string) {
	if side == market.SideSell {
		return "ActiveSellOrder", "asc"
	}
	return "ActiveBuyOrder", "desc"
}

// subscriptionQuery 构造单侧订阅语句。
func subscriptionQuery(side market.Side, limit int) string {
	table, order := tableName(side)
	return fmt.Sprintf(`subscription {
    %s(limit: %d, order_by: { price: %s }) {
        id
        user
        timestamp
        order_type
        amount
        asset
        price
        status
    }
}`, table, limit, order)
}
