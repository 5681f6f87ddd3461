// Package amqp connects the engine to a RabbitMQ broker.
//
// CommandConsumer reads provisioner results from a queue and applies them as
// engine commands. EventListener publishes lifecycle events to a topic
// exchange, and RequestPublisher sends provisioning requests to external
// provisioners that answer on the command queue.
package amqp
