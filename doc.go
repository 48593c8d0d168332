// Package outbox implements the consuming side of the transactional outbox
// pattern on PostgreSQL logical replication.
//
// Producers insert messages into an outbox table in the same transaction as
// the business change they describe (see the producer package). A
// [Subscriber] streams those inserts through a publication and a replication
// slot, dispatches each row to the handler registered for its discriminator
// and confirms the slot position once a whole transaction was handled. A
// message is therefore delivered at least once and in commit order.
//
// # Basic usage
//
//	b := outbox.NewBuilder().
//	    ConnectionString(dsn).
//	    NamingPolicy(naming.URNPolicy)
//	outbox.Consumes(b, userCreatedKind, outbox.HandlerFunc[UserCreated](handle))
//	sub, err := b.Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := outbox.NewSubscriber(ctx, sub)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	err = s.Start(ctx)
//
// Build validates the whole configuration up front and returns every problem
// joined into one error. Start creates the outbox table, the publication and
// the slot when they do not exist and fails with [ErrSchemaConflict] when an
// existing one does not match.
//
// # Consumers
//
// Typed consumers registered with [Consumes] receive the payload decoded into
// their message type. Raw consumers receive it as a string or a generic JSON
// object, for a list of discriminators or for every discriminator without a
// dedicated consumer. The envelope of the message being handled is available
// through [EnvelopeFromContext].
//
// # Failures
//
// A handler error is given to the [ErrorProcessor], which decides whether to
// continue past the message, retry it or abort the subscription. The default
// processor skips rows without a consumer and aborts on handler errors. Aborting
// leaves the slot position before the failed message's transaction so it is
// redelivered on restart. Lost connections are retried with exponential
// backoff until the reconnect budget is spent.
//
// # Metrics
//
// Set the metric port to serve Prometheus metrics under the "go_pq_outbox"
// namespace on /metrics, and the subscriber state on /status. Pass
// [WithPrometheusMetrics] to serve extra collectors, such as a relay's.
package outbox
