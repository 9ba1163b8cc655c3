package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names. Every exchange has a paired dead-letter
// exchange named <exchange>.dlx whose queue retains quarantined
// messages for the configured number of days.
const (
	ExchangeSessionPending = "session-pending"
	ExchangeLearningSkill  = "learning-skill"
	ExchangeSOPComplete    = "sop-complete"

	QueueSessionPending = "session-pending"
	QueueLearningSkill  = "learning-skill"
	QueueSOPComplete    = "sop-complete"
)

const dlxSuffix = ".dlx"

type exchangeDecl struct {
	name  string
	queue string
}

var topology = []exchangeDecl{
	{name: ExchangeSessionPending, queue: QueueSessionPending},
	{name: ExchangeLearningSkill, queue: QueueLearningSkill},
	{name: ExchangeSOPComplete, queue: QueueSOPComplete},
}

// topologyChannel is the slice of amqp.Channel used for declarations.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declareTopology declares every exchange, its primary queue, and the
// paired DLX pair. Declaration is idempotent; mismatched args on an
// existing queue surface as channel errors. Exchanges are direct and
// publishes route on the queue name, so every binding key must be the
// queue name. Dead-lettered messages keep their original routing key,
// which is why the DLX queue binds on the primary queue name too.
func declareTopology(ch topologyChannel, dlxRetentionDays int) error {
	dlxTTL := int64(dlxRetentionDays) * 24 * 60 * 60 * 1000

	for _, decl := range topology {
		dlx := decl.name + dlxSuffix

		if err := ch.ExchangeDeclare(decl.name, "direct", true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
			return err
		}

		if _, err := ch.QueueDeclare(decl.queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": dlx,
		}); err != nil {
			return err
		}
		if err := ch.QueueBind(decl.queue, decl.queue, decl.name, false, nil); err != nil {
			return err
		}

		if _, err := ch.QueueDeclare(decl.queue+dlxSuffix, true, false, false, false, amqp.Table{
			"x-message-ttl": dlxTTL,
		}); err != nil {
			return err
		}
		if err := ch.QueueBind(decl.queue+dlxSuffix, decl.queue, dlx, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// declareRetryQueue declares the per-queue delay queue. Messages
// published here with a per-message expiration dead-letter back to the
// primary queue through the default exchange once the TTL elapses.
func declareRetryQueue(ch *amqp.Channel, queue string) (string, error) {
	retry := queue + ".retry"
	_, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		return "", err
	}
	return retry, nil
}
