// Package outbox implements the digest queues read by the email sender.
//
// Three drivers exist: a JSON-lines spool file, a Redis stream and a Kafka
// topic. New picks one from configuration; each driver satisfies
// notify.Outbox and owns the connection it opened.
package outbox
