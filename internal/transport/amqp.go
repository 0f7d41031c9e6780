package transport

import (
	"github.com/streadway/amqp"
)

// amqpChannel is the slice of amqp.Channel the transport uses. Tests stub
// it; production code wraps a real channel via amqpDial.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyFlow(c chan bool) chan bool
	Close() error
}

// amqpConnection is the slice of amqp.Connection the transport uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc opens a broker connection. The default is amqpDial; tests
// substitute a stub.
type DialFunc func(url string) (amqpConnection, error)

type realConnection struct {
	conn *amqp.Connection
}

func (c *realConnection) Channel() (amqpChannel, error) {
	return c.conn.Channel()
}

func (c *realConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *realConnection) Close() error {
	return c.conn.Close()
}

// amqpDial connects to a RabbitMQ broker.
func amqpDial(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}
