package service

import (
	"encoding/json"
	"sync"

	"crashmill/collector/cfg"
	"crashmill/common/task"

	"github.com/go-errors/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

type RabbitClient struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      amqp.Queue
	mu         sync.Mutex
}

type CollectorService struct {
	cfg    cfg.Config
	rabbit *RabbitClient
}

// AddCrash asks the processor to process a crash saved in the crash storage.
func (s *CollectorService) AddCrash(crashId, rawCrash string, dumps map[string]string) error {
	t := task.CreateProcessTask(crashId, rawCrash, dumps)
	msg, err := json.Marshal(t)
	if err != nil {
		logger.WithError(err).Error("Can't serialize message")
		return err
	}
	return s.publish(msg)
}

func (s *CollectorService) publish(msg []byte) error {
	s.rabbit.mu.Lock()
	defer s.rabbit.mu.Unlock()
	return s.rabbit.channel.Publish("",
		s.rabbit.queue.Name,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "text/plain",
			Body:         msg,
		})
}

func (s *CollectorService) Close() error {
	return s.rabbit.connection.Close()
}

func newRabbitClient(conf cfg.Config) *RabbitClient {
	conn, err := amqp.Dial(conf.RabbitServer())
	if err != nil {
		logger.WithError(err).Error("Failed to connect to RabbitMQ")
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.WithError(err).Error("Failed to open a channel")
		conn.Close()
		return nil
	}

	q, err := ch.QueueDeclare(
		conf.RabbitQueue(),
		true,
		false,
		false,
		false,
		nil,
	)

	if err != nil {
		logger.WithError(err).Error("Failed to declare a queue")
		conn.Close()
		return nil
	}

	return &RabbitClient{connection: conn, channel: ch, queue: q}
}

func NewCollector(c cfg.Config) (*CollectorService, error) {
	client := newRabbitClient(c)
	if client == nil {
		logger.Error("Can't connect to rabbit")
		return nil, errors.New("Can't connect to rabbit")
	}

	return &CollectorService{cfg: c, rabbit: client}, nil
}
