package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trigger 是投递到队列中的一次执行请求。
type Trigger struct {
	TaskID      uint64    `json:"task_id"`
	Deliveries  int       `json:"deliveries"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewTrigger 为指定任务创建执行请求。
func NewTrigger(id uint64) Trigger {
	return Trigger{TaskID: id, RequestedAt: time.Now().UTC()}
}

// Handler 处理来自消息队列的执行请求。
type Handler func(ctx context.Context, trigger Trigger) error

// Producer 负责向队列投递执行请求。
type Producer interface {
	Publish(ctx context.Context, trigger Trigger) error
	Close() error
}

// Consumer 负责从队列中消费执行请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encodeTrigger(trigger Trigger) ([]byte, error) {
	return json.Marshal(trigger)
}

// decodeTrigger 同时接受 JSON 消息与纯数字 id，方便手工向队列投递。
func decodeTrigger(body []byte) (Trigger, error) {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return Trigger{}, fmt.Errorf("空的执行请求")
	}
	if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return Trigger{TaskID: id}, nil
	}
	var trigger Trigger
	if err := json.Unmarshal([]byte(raw), &trigger); err != nil {
		return Trigger{}, fmt.Errorf("解析执行请求失败: %w", err)
	}
	return trigger, nil
}
