package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 房间 actor 只负责入队；kafka 短暂不可用时靠队列吸收，队列满了就丢。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DraftEvent

	// sem 限制并发的 SendMessage 数量。
	sem *SemaphoreControl

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DraftEvent, opt.QueueSize),
		sem:         sem,
		closed:      make(chan struct{}),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误 （kafka不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DraftEvent) error {
	select {
	case <-d.closed:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.queue <- evt:
		return nil
	case <-d.closed:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等 worker 把已入队的事件发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.closed:
			// 把剩下的发完再退出
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DraftEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响房间）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event draft=%s type=%s op=%s version=%d worker=%d err=%v",
				evt.DraftID, evt.EventType, evt.OperationID, evt.Version, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DraftEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DraftID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
