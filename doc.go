// Package streamq provides reliable, at-least-once asynchronous task
// dispatch across multiple worker processes, built on a log-structured
// broker with consumer-group semantics (Redis Streams).
//
// Streamq is designed as a library, not a service. Import it, point it
// at a broker, and register handlers as ordinary Go functions.
//
// # Quick Start
//
//	b, err := broker.NewRedis(broker.WithAddr("localhost:6379"))
//	eng, err := engine.New(streamq.DefaultConfig(), engine.WithBroker(b))
//	engine.Register(eng, &task.Definition[Email]{
//	    Queue:   "notifications",
//	    Handler: sendEmail,
//	})
//	eng.Start(ctx)
//
// # Architecture
//
// Each subsystem lives in its own package: broker (the adapter over the
// log broker's primitives), group (consumer-group coordination), publish
// (message identifiers and appends), schedule (delayed-dispatch sweeps),
// worker (the consumer loop), reclaim (idle-entry recovery), dlq
// (dead-letter routing), and cron (recurring dispatch). The engine
// package sits above all of them and wires everything together.
//
// Message identifiers are stream ids in the form
// "{millisecond_timestamp}-{sequence}", strictly increasing within a
// log. For delayed messages the timestamp component equals the
// scheduled execution time; a consumer that reads an entry before it is
// due leaves it unacknowledged and the reclaim sweep redelivers it once
// due.
package streamq
